// Package preflight runs environment checks before msgsearch starts serving.
//
// Built-in checks cover local resources (disk space, write permissions, file
// descriptor limits). Reachability checks wrap any probe function, which is
// how the store, the event channel and the index directory lock are checked:
//
//	checker := preflight.New(preflight.WithOutput(os.Stdout))
//	results := checker.Run(ctx,
//	    preflight.DiskSpace(dataDir),
//	    preflight.Reachable("store", true, pingStore))
//	if checker.HasCriticalFailures(results) {
//	    // refuse to start
//	}
package preflight
