package est

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/jmcleod/estgate/internal/util"
)

const bootstrapPageHTML = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>EST Bootstrap Authentication</title>
    <style>
        body { font-family: Arial, sans-serif; max-width: 400px; margin: 100px auto; padding: 20px; }
        .container { border: 1px solid #ddd; padding: 30px; border-radius: 8px; background: #f9f9f9; }
        h2 { text-align: center; color: #333; margin-bottom: 30px; }
        .form-group { margin-bottom: 20px; }
        label { display: block; margin-bottom: 5px; font-weight: bold; }
        input[type="text"], input[type="password"] {
            width: 100%; padding: 10px; border: 1px solid #ccc; border-radius: 4px; box-sizing: border-box;
        }
        .btn {
            width: 100%; padding: 12px; background: #007bff; color: white; border: none;
            border-radius: 4px; cursor: pointer; font-size: 16px;
        }
        .btn:hover { background: #0056b3; }
        .info { font-size: 12px; color: #666; margin-top: 15px; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <h2>EST Bootstrap Login</h2>
        <form method="post" action="/bootstrap/login">
            <div class="form-group">
                <label for="username">Username:</label>
                <input type="text" id="username" name="username" required>
            </div>
            <div class="form-group">
                <label for="password">Password:</label>
                <input type="password" id="password" name="password" required>
            </div>
            <button type="submit" class="btn">Login &amp; Enroll Certificate</button>
        </form>
        <div class="info">
            This page is for initial certificate enrollment using password authentication.<br>
            After successful enrollment, use certificate-based authentication.
        </div>
    </div>
</body>
</html>`

var bootstrapSuccessTemplate = template.Must(template.New("bootstrap-success").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Bootstrap Success</title>
    <style>body { font-family: Arial, sans-serif; text-align: center; margin-top: 100px; }</style>
</head>
<body>
    <h2>Bootstrap Authentication Successful</h2>
    <p>User: {{.Username}}</p>
    <p>Next: submit your CSR to /.well-known/est/simpleenroll with password authentication.</p>
    <a href="/bootstrap">Back to Bootstrap</a>
</body>
</html>`))

// bootstrapPage serves the login form. The form posts back to the
// password-gated login handler.
func (d *Driver) bootstrapPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, bootstrapPageHTML)
}

// bootstrapLogin processes the form submission. The transport-level
// password identity must match the form username; a client certificate
// is never an accepted substitute on this endpoint. When the form
// carries a CSR it is enrolled immediately, otherwise a confirmation
// page is returned.
func (d *Driver) bootstrapLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form data", http.StatusBadRequest)
		return
	}
	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		http.Error(w, "username and password required", http.StatusBadRequest)
		return
	}

	id := IdentityFrom(r.Context())
	if util.Normalize(username) != id.Username {
		d.logger.Warn("bootstrap username mismatch", "session", id.Username)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if d.verifier == nil || !d.verifier.Verify(r.Context(), username, password) {
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}

	if csrField := r.PostFormValue("csr"); csrField != "" {
		csr, err := decodeBody([]byte(csrField), "base64")
		if err != nil {
			// the form may carry the CSR as PEM instead of bare base64
			csr = []byte(csrField)
		}
		res, err := d.ca.Enroll(r.Context(), csr)
		if err != nil {
			d.writeCAError(w, "bootstrap-enroll", err)
			return
		}
		if len(res.CertPEM) == 0 {
			if res.PollHandle != "" {
				d.logger.Info("bootstrap enrollment pending", "handle", res.PollHandle)
				w.Header().Set("Retry-After", "5")
				w.WriteHeader(http.StatusAccepted)
				return
			}
			d.logger.Error("backend returned neither certificate nor handle")
			http.Error(w, "enrollment failed", http.StatusInternalServerError)
			return
		}
		der, err := certsOnlyPKCS7(res.CertPEM)
		if err != nil {
			d.writeCAError(w, "bootstrap-enroll", err)
			return
		}
		d.writePKCS7(w, mimePKCS7CertsOnly, der)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	bootstrapSuccessTemplate.Execute(w, struct{ Username string }{Username: username})
}
