// Package scan drives a run: it checks the first hop, then runs each module
// in turn by selecting exits, requesting one circuit per exit at a fixed
// pace and waiting for the event engine to account for all of them.
package scan
