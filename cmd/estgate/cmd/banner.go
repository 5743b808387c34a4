package cmd

import (
	"fmt"
)

const banner = `
           _             _
   ___ ___| |_ __ _  __ _| |_ ___
  / _ \ __| __/ _` + "`" + ` |/ _` + "`" + ` | __/ _ \
 |  __\__ \ || (_| | (_| | ||  __/
  \___|___/\__\__, |\__,_|\__\___|
              |___/
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Enrollment Gateway - Version %s\x1b[0m\n\n", Version)
}
