// Command vibewalk serves safety-scored walking routes, seeds the signal
// store and scores routes from the command line.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
