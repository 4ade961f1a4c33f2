package cmd

import (
	"fmt"
)

const banner = `
  _              __  __ _       _   
 | | _____ _   _|  \/  (_)_ __ | |_ 
 | |/ / _ \ | | | |\/| | | '_ \| __|
 |   <  __/ |_| | |  | | | | | | |_ 
 |_|\_\___|\__, |_|  |_|_|_| |_|\__|
           |___/                    
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  On-demand Key Issuing Service - Version %s\x1b[0m\n\n", Version)
}
