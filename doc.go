// Package vvtk is an adaptive prefetch and buffering engine for volumetric
// point-cloud streaming.
//
// # Philosophy
//
// "Never stall, and never fetch what cannot arrive in time."
//
// A volumetric scene is several independently encoded objects, each with a
// ladder of quality levels. The engine keeps a bounded playback buffer per
// object full, choosing each object's level from the predicted throughput,
// the buffer occupancy and where the viewer is looking. Work made stale by a
// new decision is dropped, failed fetches become explicit gaps, and frames
// are handed to playback strictly in offset order.
//
// # Architecture
//
//	source → Retrying → Shaper(trace) → Meter → FetchScheduler → Decoder
//	                                      │            │
//	                         throughput predictor   BufferCache
//	                                      │            │
//	           viewport predictor → ABR policy    BoundedBuffer (per object)
//	                                                   │
//	                                                Player → Renderer
//
// Components:
//
//  1. BoundedBuffer: blocking FIFO with backpressure, one per object
//  2. Throughput predictors: last, average, ema, gaema, lpema
//  3. Viewport predictor: last, plus per-object visibility weights
//  4. BufferCache: decoded frames keyed by (object, offset), consumed once
//  5. ABR policies: queueing, multi_queueing, knapsack
//  6. FetchScheduler: issues, deduplicates, retries and releases fetches
//  7. Decoders: noop and a GStreamer pipeline
//  8. NetworkTrace: deterministic bandwidth replay that also shapes the link
//
// # Basic Usage
//
//	cfg, err := vvtk.LoadConfig("engine.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := vvtk.New(cfg, vvtk.WithRenderer(myRenderer))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go func() {
//	    for pose := range headset.Poses() {
//	        engine.ObservePose(pose)
//	    }
//	}()
//
//	// Blocks until every object has been played or ctx is cancelled
//	if err := engine.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	engine.Shutdown(context.Background())
//
// # Concurrency
//
// All Engine methods are safe for concurrent use. The renderer is called from
// the playback goroutine only, one Instant at a time.
package vvtk
