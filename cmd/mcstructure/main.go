package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"voxelstruct.ai/internal/nbt"
	"voxelstruct.ai/internal/persistence/indexdb"
	persistlog "voxelstruct.ai/internal/persistence/log"
	"voxelstruct.ai/internal/persistence/r2s3"
	"voxelstruct.ai/internal/plan"
	"voxelstruct.ai/internal/structio"
)

const usage = `usage: mcstructure <command> [flags]

commands:
  build    build a plan into a .mcstructure file
  inspect  print the NBT tree of a structure file
  list     list recorded exports from an index database
  audit    print an export audit log file (exports-*.jsonl.zst)
`

func main() {
	logger := log.New(os.Stderr, "[mcstructure] ", log.LstdFlags)
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "build":
		err = buildCmd(os.Args[2:], os.Stdout, logger)
	case "inspect":
		err = inspectCmd(os.Args[2:], os.Stdout)
	case "list":
		err = listCmd(os.Args[2:], os.Stdout)
	case "audit":
		err = auditCmd(os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildCmd(args []string, stdout io.Writer, logger *log.Logger) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	planPath := fs.String("plan", "", "plan file (yaml or json)")
	outPath := fs.String("out", "", "output path (default: <plan name><ext> next to the plan)")
	compress := fs.String("compress", "none", "output compression: none|gzip|zstd")
	indexPath := fs.String("index", "", "sqlite export index to record into (optional)")
	r2Key := fs.String("r2_key", "", "upload to this object key using R2_* env credentials (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*planPath) == "" {
		return fmt.Errorf("missing -plan")
	}
	comp, err := structio.ParseCompression(*compress)
	if err != nil {
		return err
	}

	p, err := plan.Load(*planPath)
	if err != nil {
		return err
	}
	st, err := p.Build()
	if err != nil {
		return fmt.Errorf("build %s: %w", *planPath, err)
	}
	data, err := st.Export()
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	out := strings.TrimSpace(*outPath)
	if out == "" {
		name := p.Name
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(*planPath), filepath.Ext(*planPath))
		}
		out = filepath.Join(filepath.Dir(*planPath), name+comp.Ext())
	}
	if err := structio.WriteFile(out, data, comp); err != nil {
		return err
	}
	logger.Printf("wrote %s (%s nbt, palette=%d, compression=%s)", out, humanize.Bytes(uint64(len(data))), st.PaletteLen(), comp)

	exp := indexdb.NewExport(p.Name, st, data, string(comp))
	exp.Path = out

	if key := strings.TrimSpace(*r2Key); key != "" {
		client, err := r2s3.NewFromEnv()
		if err != nil {
			return err
		}
		if client == nil {
			return fmt.Errorf("-r2_key set but R2_ENDPOINT is empty")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := client.PutFile(ctx, key, out); err != nil {
			return err
		}
		exp.RemoteKey = key
		logger.Printf("uploaded %s", key)
	}

	if *indexPath != "" {
		idx, err := indexdb.OpenSQLite(*indexPath)
		if err != nil {
			return err
		}
		idx.RecordExport(exp)
		if err := idx.Close(); err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "%s %s\n", exp.ID, out)
	return nil
}

func inspectCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	maxItems := fs.Int("max_items", 16, "truncate lists after this many elements (0 = all)")
	maxBytes := fs.Int64("max_bytes", structio.MaxDecompressed, "refuse documents larger than this once decompressed")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mcstructure inspect [-max_items n] [-max_bytes n] <file>")
	}

	data, comp, err := structio.ReadFileLimit(fs.Arg(0), *maxBytes)
	if err != nil {
		return err
	}
	name, root, err := nbt.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("decode %s: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(stdout, "# %s compression=%s nbt=%s\n", fs.Arg(0), comp, humanize.Bytes(uint64(len(data))))
	return nbt.Printer{MaxItems: *maxItems}.Fprint(stdout, name, root)
}

func listCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	indexPath := fs.String("index", "", "sqlite export index")
	limit := fs.Int("limit", 20, "max rows")
	_ = fs.Parse(args)
	if *indexPath == "" {
		return fmt.Errorf("missing -index")
	}
	if _, err := os.Stat(*indexPath); err != nil {
		return err
	}

	idx, err := indexdb.OpenSQLite(*indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	rows, err := idx.List(context.Background(), *limit)
	if err != nil {
		return err
	}
	return printExports(stdout, rows)
}

func auditCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: mcstructure audit <file>...")
	}
	var rows []indexdb.Export
	for _, path := range fs.Args() {
		got, err := persistlog.ReadExports(path)
		if err != nil {
			return err
		}
		rows = append(rows, got...)
	}
	return printExports(stdout, rows)
}

func printExports(stdout io.Writer, rows []indexdb.Export) error {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tPALETTE\tBYTES\tCOMPRESSION\tCREATED\tPATH")
	for _, e := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, e.Size, e.PaletteLen, humanize.Bytes(uint64(e.Bytes)), e.Compression, humanize.Time(e.CreatedAt), e.Path)
	}
	return tw.Flush()
}
