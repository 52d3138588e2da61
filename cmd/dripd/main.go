// Command dripd runs the drip campaign engine as a service.
//
//	dripd serve --config drip.yaml
//	dripd validate campaigns.yaml
//	dripd simulate campaigns.yaml --events events.yaml --advance 72h
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
