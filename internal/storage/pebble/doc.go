// Package pebblestore wraps Pebble as the aggregator's durable key store: an
// fsync policy applied to every commit, an atomic insert-if-absent, prefix
// deletion and a small metadata table.
//
//	db, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeAlways,
//	})
//	if err != nil { /* handle */ }
//	defer db.Close()
//
//	res, err := db.InsertIfAbsent(ctx, []byte("d/k"), []byte("v"))
//	// res == pebblestore.Inserted the first time, AlreadyExists afterwards
//
//	_ = db.PutMetadata(ctx, "system_metrics", `{"received":0}`)
//	v, ok, _ := db.GetMetadata("system_metrics")
package pebblestore
