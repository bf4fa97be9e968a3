package cmd

import (
	"fmt"
)

const banner = `
   ___  __ _  ___| |_ ___  _ __ ___
  / __|/ _` + "`" + ` |/ __| __/ _ \| '__/ _ \
 | (__| (_| |\__ \ || (_) | | |  __/
  \___|\__,_||___/\__\___/|_|  \___|
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Repository Service - Version %s\x1b[0m\n\n", Version)
}
