// Braid validates, prepares and runs agent bundles from the command line.
//
//	braid validate ./bundles
//	braid run --bundle ./assistant --prompt "summarize the README"
//	braid cache --clear
//
// The CLI is a thin wrapper over the library packages: validate wraps
// lint, run wraps Load/Prepare/NewSession/Execute, cache inspects the
// module cache under $BRAID_HOME.
package main
