// Command quarry is the operator tool for quarry database files. It
// inspects environments, walks trees for integrity checking, and drives
// backup and restore.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/internal/backup"
	"github.com/quarrydb/quarry/internal/logging"
)

var cli struct {
	Verbose bool `short:"v" help:"Enable debug logging."`

	Info    InfoCmd    `cmd:"" help:"Print environment metadata."`
	Stat    StatCmd    `cmd:"" help:"Print tree statistics."`
	DBs     DBsCmd     `cmd:"" name:"dbs" help:"List named sub-databases."`
	Pages   PagesCmd   `cmd:"" help:"Print the role of every page in the file."`
	Verify  VerifyCmd  `cmd:"" help:"Walk every tree and verify page structure."`
	Get     GetCmd     `cmd:"" help:"Print the value stored under a key."`
	Set     SetCmd     `cmd:"" help:"Store a key/value pair."`
	Del     DelCmd     `cmd:"" help:"Delete a key."`
	Scan    ScanCmd    `cmd:"" help:"Print key/value pairs in order."`
	Backup  BackupCmd  `cmd:"" help:"Stream a consistent backup to a file."`
	Restore RestoreCmd `cmd:"" help:"Reconstruct a database file from a backup stream."`
}

// open opens the environment at path, read-only unless write is set.
func open(path string, write bool) (*quarry.Env, error) {
	opts := quarry.DefaultOptions()
	opts.ReadOnly = !write
	if cli.Verbose {
		opts.Logger = logging.NewDefaultLogger(logging.LevelDebug)
	}
	return quarry.Open(path, opts)
}

type InfoCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
}

func (c *InfoCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	info := env.Info()
	fmt.Printf("path:       %s\n", info.Path)
	fmt.Printf("format:     v%d\n", info.FormatVersion)
	fmt.Printf("uuid:       %x\n", info.UUID)
	fmt.Printf("page size:  %d\n", info.PageSize)
	fmt.Printf("txn id:     %d\n", info.TxnID)
	fmt.Printf("root page:  %d (depth %d)\n", info.Root, info.Depth)
	fmt.Printf("entries:    %d\n", info.Entries)
	fmt.Printf("file pages: %d\n", info.LastPgno)
	fmt.Printf("freelist:   page %d\n", info.Freelist)
	fmt.Printf("dupsort:    %v\n", info.DupSort)
	return nil
}

type StatCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
	DB   string `help:"Sub-database name; default database when empty."`
}

func (c *StatCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	db, err := tx.OpenDB(c.DB)
	if err != nil {
		return err
	}
	stat, err := db.Stat()
	if err != nil {
		return err
	}
	fmt.Printf("depth:          %d\n", stat.Depth)
	fmt.Printf("entries:        %d\n", stat.Entries)
	fmt.Printf("branch pages:   %d\n", stat.BranchPages)
	fmt.Printf("leaf pages:     %d\n", stat.LeafPages)
	fmt.Printf("overflow pages: %d\n", stat.OverflowPages)
	return nil
}

type DBsCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
}

func (c *DBsCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	names, err := tx.DBs()
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

type PagesCmd struct {
	Path    string `arg:"" help:"Database file." type:"path"`
	Summary bool   `help:"Print per-kind totals instead of one line per page."`
}

func (c *PagesCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	kinds, err := tx.PageMap()
	if err != nil {
		return err
	}
	if c.Summary {
		totals := make(map[quarry.PageKind]int)
		for _, k := range kinds {
			totals[k]++
		}
		for k := quarry.PageFree; k <= quarry.PageOverflow; k++ {
			if totals[k] > 0 {
				fmt.Printf("%-8s %d\n", k, totals[k])
			}
		}
		return nil
	}
	for pgno, k := range kinds {
		fmt.Printf("%8d %s\n", pgno, k)
	}
	return nil
}

type VerifyCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
}

func (c *VerifyCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Stat walks every reachable page and fails on any malformed one; the
	// meta slots were already checksum-verified by open.
	stat, err := tx.Stat()
	if err != nil {
		return fmt.Errorf("default database: %w", err)
	}
	pages := stat.BranchPages + stat.LeafPages + stat.OverflowPages
	entries := stat.Entries

	names, err := tx.DBs()
	if err != nil {
		return err
	}
	for _, name := range names {
		db, err := tx.OpenDB(name)
		if err != nil {
			return fmt.Errorf("sub-database %q: %w", name, err)
		}
		s, err := db.Stat()
		if err != nil {
			return fmt.Errorf("sub-database %q: %w", name, err)
		}
		pages += s.BranchPages + s.LeafPages + s.OverflowPages
		entries += s.Entries
	}

	fmt.Printf("ok: %d entries across %d pages, %d sub-databases, txn %d\n",
		entries, pages, len(names), tx.ID())
	return nil
}

type GetCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
	Key  string `arg:"" help:"Key to look up."`
	DB   string `help:"Sub-database name."`
}

func (c *GetCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	db, err := tx.OpenDB(c.DB)
	if err != nil {
		return err
	}
	v, err := db.Get([]byte(c.Key))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(v, '\n'))
	return err
}

type SetCmd struct {
	Path  string `arg:"" help:"Database file." type:"path"`
	Key   string `arg:"" help:"Key to store."`
	Value string `arg:"" help:"Value to store."`
	DB    string `help:"Sub-database name."`
}

func (c *SetCmd) Run() error {
	env, err := open(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(true)
	if err != nil {
		return err
	}
	db, err := tx.OpenDB(c.DB)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := db.Put([]byte(c.Key), []byte(c.Value), 0); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type DelCmd struct {
	Path string `arg:"" help:"Database file." type:"path"`
	Key  string `arg:"" help:"Key to delete."`
	DB   string `help:"Sub-database name."`
}

func (c *DelCmd) Run() error {
	env, err := open(c.Path, true)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(true)
	if err != nil {
		return err
	}
	db, err := tx.OpenDB(c.DB)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := db.Delete([]byte(c.Key)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type ScanCmd struct {
	Path  string `arg:"" help:"Database file." type:"path"`
	DB    string `help:"Sub-database name."`
	Limit int    `help:"Stop after this many entries; 0 scans everything."`
}

func (c *ScanCmd) Run() error {
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	tx, err := env.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	db, err := tx.OpenDB(c.DB)
	if err != nil {
		return err
	}
	cur, err := db.Cursor()
	if err != nil {
		return err
	}
	n := 0
	for k, v, err := cur.First(); ; k, v, err = cur.Next() {
		if errors.Is(err, quarry.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s=%s\n", k, v)
		n++
		if c.Limit > 0 && n >= c.Limit {
			return nil
		}
	}
}

type BackupCmd struct {
	Path        string `arg:"" help:"Database file." type:"path"`
	Output      string `arg:"" help:"Backup file to write." type:"path"`
	Compression string `short:"c" default:"snappy" help:"Stream compression: none, snappy, zstd or lz4."`
}

func (c *BackupCmd) Run() error {
	comp, err := backup.Parse(c.Compression)
	if err != nil {
		return err
	}
	env, err := open(c.Path, false)
	if err != nil {
		return err
	}
	defer env.Close()

	out, err := os.Create(c.Output)
	if err != nil {
		return err
	}
	if err := env.CopyTo(out, comp); err != nil {
		_ = out.Close()
		_ = os.Remove(c.Output)
		return err
	}
	return out.Close()
}

type RestoreCmd struct {
	Input string `arg:"" help:"Backup file to read." type:"path"`
	Path  string `arg:"" help:"Database file to create." type:"path"`
}

func (c *RestoreCmd) Run() error {
	in, err := os.Open(c.Input)
	if err != nil {
		return err
	}
	defer in.Close()
	return quarry.Restore(in, c.Path)
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("quarry"),
		kong.Description("Inspect and maintain quarry database files."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
