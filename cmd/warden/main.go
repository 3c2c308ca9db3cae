// Warden is the operator CLI for the warden governance core.
//
// The governance library is consumed by a bot host in-process; this
// command is a diagnostics surface for the state it persists:
//
//	# Check a configuration file
//	warden validate --config config.yaml
//
//	# See how a query would be planned
//	warden classify "crawl https://example.com depth 2"
//
//	# Inspect budget, rate windows and activity for a guild
//	warden status --guild 123456789 --config config.yaml
//
//	# Show version information
//	warden version
package main

func main() {
	Execute()
}
