package ntuple_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"

	"github.com/hupe1980/ntuple"
	"github.com/hupe1980/ntuple/storage"
)

// Example writes two clusters of a single float column to a memory store
// and reads them back.
func Example() {
	ctx := context.Background()
	defer ntuple.DropMemoryStore("example")

	model := storage.NewModel()
	if err := model.AddField(&storage.Field{Name: "px", TypeName: "float", Columns: []storage.ElementType{storage.ElementReal32}}); err != nil {
		log.Fatal(err)
	}

	sink, err := ntuple.CreateSink(ctx, "events", "mem://example")
	if err != nil {
		log.Fatal(err)
	}
	if err := sink.Create(ctx, model); err != nil {
		log.Fatal(err)
	}
	px, err := sink.AddColumn(0, storage.NewColumn(storage.ElementReal32, 0))
	if err != nil {
		log.Fatal(err)
	}

	var n storage.NTupleSize
	for cluster := range 2 {
		page, err := sink.ReservePage(px, 3)
		if err != nil {
			log.Fatal(err)
		}
		for i := range 3 {
			v := float32(cluster*10 + i)
			binary.NativeEndian.PutUint32(page.GrowUnchecked(1), math.Float32bits(v))
		}
		if err := sink.CommitPage(ctx, px, page); err != nil {
			log.Fatal(err)
		}
		sink.ReleasePage(page)
		n += 3
		if _, err := sink.CommitCluster(ctx, n); err != nil {
			log.Fatal(err)
		}
	}
	if err := sink.CommitDataset(ctx); err != nil {
		log.Fatal(err)
	}
	_ = sink.Close()

	src, err := ntuple.OpenSource(ctx, "events", "mem://example")
	if err != nil {
		log.Fatal(err)
	}
	defer src.Close()
	if err := src.Attach(ctx); err != nil {
		log.Fatal(err)
	}
	h, err := src.AddColumn(0, storage.NewColumn(storage.ElementReal32, 0))
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("entries:", src.NEntries())
	for i := range src.NEntries() {
		page, err := src.PopulatePage(ctx, h, i)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Print(math.Float32frombits(binary.NativeEndian.Uint32(page.Element(i))), " ")
		_ = src.ReleasePage(page)
	}
	fmt.Println()
	// Output:
	// entries: 6
	// 0 1 2 10 11 12
}
