// Package watcher turns new image files in an inbox directory into ingest
// calls.
//
// fsnotify events are coalesced per path by a Debouncer so an image that is
// still being written is ingested once, after the writer goes quiet. Ingest
// is throttled so a large copy into the inbox does not flood the job queue.
//
//	w, err := watcher.NewInboxWatcher(dir, sink, watcher.Options{})
//	if err != nil {
//	    return err
//	}
//	return w.Run(ctx)
package watcher
