// Command filedrop sends and receives files over TCP.
//
//	filedrop receive --output ./inbox
//	filedrop send --host 192.168.1.20 photo.jpg
//	filedrop history
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("filedrop failed")
		os.Exit(1)
	}
}
