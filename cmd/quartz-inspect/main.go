// Command quartz-inspect prints the physical and logical structure of a
// quartzdb database file: the file header, a page-type census, the
// freelist chain and the schema catalog. It opens the file read-only in
// the sense that it never checkpoints, so it is safe to point at a
// database no other process has open.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"quartzdb/config"
	"quartzdb/core/catalog"
	"quartzdb/core/storage/page"
	"quartzdb/core/storage/pager"
)

func main() {
	pageSize := flag.Int("page-size", config.DefaultPageSize, "page size the file was created with")
	showPages := flag.Bool("pages", false, "print the type of every page")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <database file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	dm := pager.NewDiskManager(path, *pageSize)
	hdr, err := dm.OpenOrCreate(false)
	if err != nil {
		log.Fatalf("opening %s: %v", path, err)
	}
	defer dm.Close()

	printHeader(path, hdr)
	if err := printCensus(dm, hdr, *showPages); err != nil {
		log.Fatalf("scanning pages: %v", err)
	}
	if err := printFreelist(dm, hdr); err != nil {
		log.Fatalf("walking freelist: %v", err)
	}
	if err := printCatalog(dm, hdr); err != nil {
		log.Fatalf("reading catalog: %v", err)
	}
}

func printHeader(path string, hdr pager.FileHeader) {
	fmt.Printf("file:           %s\n", path)
	fmt.Printf("format version: %d\n", hdr.FormatVersion)
	fmt.Printf("page size:      %d\n", hdr.PageSize)
	fmt.Printf("page count:     %d\n", hdr.PageCount)
	fmt.Printf("freelist head:  %d\n", hdr.FreelistHead)
	fmt.Printf("schema root:    %d\n", hdr.SchemaRoot)
	fmt.Printf("schema cookie:  %d\n", hdr.SchemaCookie)
	fmt.Printf("commit seq:     %d\n", hdr.CommitSeq)
}

// printCensus reads every page after the header and tallies page types.
func printCensus(dm *pager.DiskManager, hdr pager.FileHeader, each bool) error {
	counts := map[page.Type]int{}
	buf := make([]byte, dm.PageSize())
	for id := page.PageID(1); id < page.PageID(hdr.PageCount); id++ {
		if err := dm.ReadPage(id, buf); err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
		tag := page.FromData(id, buf).Tag()
		counts[tag]++
		if each {
			fmt.Printf("page %6d: %s\n", id, tag)
		}
	}
	fmt.Printf("\npage census (%d pages after header):\n", hdr.PageCount-1)
	for _, t := range []page.Type{page.TypeInterior, page.TypeLeaf, page.TypeFreelist, page.TypeInvalid} {
		if counts[t] > 0 {
			fmt.Printf("  %-9s %d\n", t, counts[t])
		}
	}
	return nil
}

// printFreelist follows the free chain from the header, guarding
// against cycles so a corrupt file cannot loop the tool forever.
func printFreelist(dm *pager.DiskManager, hdr pager.FileHeader) error {
	fmt.Printf("\nfreelist:")
	seen := map[page.PageID]bool{}
	buf := make([]byte, dm.PageSize())
	id := page.PageID(hdr.FreelistHead)
	for id != page.InvalidPageID {
		if seen[id] {
			return fmt.Errorf("cycle at page %d", id)
		}
		seen[id] = true
		fmt.Printf(" %d", id)
		if err := dm.ReadPage(id, buf); err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
		next, err := page.FromData(id, buf).FreelistNext()
		if err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
		id = next
	}
	if len(seen) == 0 {
		fmt.Printf(" (empty)")
	}
	fmt.Printf("\nfreelist length: %d\n", len(seen))
	return nil
}

func printCatalog(dm *pager.DiskManager, hdr pager.FileHeader) error {
	fmt.Printf("\ncatalog:\n")
	if hdr.SchemaRoot == 0 {
		fmt.Printf("  (empty)\n")
		return nil
	}
	p, err := pager.New(dm, hdr, pager.Options{CachePages: config.DefaultCachePages, NoSync: true}, nil, nil)
	if err != nil {
		return err
	}
	cat := catalog.New(p, config.DefaultBTreeDegree, nil)
	view := pager.View{Snapshot: hdr.CommitSeq}

	tables, err := cat.Tables(view)
	if err != nil {
		return err
	}
	sort.Strings(tables)
	for _, name := range tables {
		tbl, err := cat.Table(view, name)
		if err != nil {
			return err
		}
		fmt.Printf("  table %s (root %d)\n", tbl.Name, tbl.Root)
		for _, col := range tbl.Columns {
			fmt.Printf("    %-16s %s%s%s%s\n", col.Name, col.Type,
				flagStr(col.PrimaryKey, " primary key"),
				flagStr(col.NotNull, " not null"),
				flagStr(col.HasDefault, " default"))
		}
		indexes, err := cat.IndexesOn(view, name)
		if err != nil {
			return err
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i].Name < indexes[j].Name })
		for _, idx := range indexes {
			fmt.Printf("    index %s on (%s) (root %d)\n", idx.Name, idx.Column, idx.Root)
		}
	}

	views, err := cat.Views(view)
	if err != nil {
		return err
	}
	sort.Strings(views)
	for _, name := range views {
		vw, err := cat.View(view, name)
		if err != nil {
			return err
		}
		fmt.Printf("  view %s (%d byte definition)\n", vw.Name, len(vw.Definition))
	}
	if len(tables) == 0 && len(views) == 0 {
		fmt.Printf("  (no objects)\n")
	}
	return nil
}

func flagStr(on bool, s string) string {
	if on {
		return s
	}
	return ""
}
