// Package ntuple stores columnar event data as sealed pages grouped into
// clusters.
//
// An ntuple is written through a Sink and read through a Source. Both are
// thin wrappers around the page sink and page source of the storage package
// that resolve a location into a storage backend, translate errors and feed
// a MetricsCollector.
//
// # Quick Start
//
// Writing:
//
//	ctx := context.Background()
//	sink, _ := ntuple.CreateSink(ctx, "events", "events.ntpl")
//	defer sink.Close()
//
//	model := storage.NewModel()
//	_ = model.AddField(&storage.Field{Name: "px", TypeName: "float", Columns: []storage.ElementType{storage.ElementReal32}})
//	_ = sink.Create(ctx, model)
//	px, _ := sink.AddColumn(0, storage.NewColumn(storage.ElementReal32, 0))
//
//	page, _ := sink.ReservePage(px, 1024)
//	// ... fill page ...
//	_ = sink.CommitPage(ctx, px, page)
//	_, _ = sink.CommitCluster(ctx, storage.NTupleSize(page.NElements))
//	_ = sink.CommitDataset(ctx)
//
// Reading:
//
//	src, _ := ntuple.OpenSource(ctx, "events", "events.ntpl")
//	defer src.Close()
//	_ = src.Attach(ctx)
//	px, _ := src.AddColumn(0, storage.NewColumn(storage.ElementReal32, 0))
//	page, _ := src.PopulatePage(ctx, px, 0)
//	defer src.ReleasePage(page)
//
// # Locations
//
// A single file holds one ntuple. Blob store locations (mem://, dir://,
// s3://, minio://) hold any number of ntuples, each under "<name>/":
//
//	sink, _ := ntuple.CreateSink(ctx, "events", "s3://my-bucket/ntuples",
//	    ntuple.WithDynamoDBCommit("ntuple-commits", nil))
//
//	src, _ := ntuple.OpenSource(ctx, "events", "s3://my-bucket/ntuples",
//	    ntuple.WithDiskCache("/fast/nvme", 10<<30),
//	    ntuple.WithClusterBunchSize(4))
//
// # Durability Model
//
// Nothing is visible to readers before CommitDataset. Files are written under
// a temporary name and renamed into place; blob stores publish a CURRENT
// pointer to the footer. A failed cluster commit leaves the sink usable: the
// cluster can be committed again or the dataset committed without it.
package ntuple
