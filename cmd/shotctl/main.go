// Command shotctl inspects a shotlogger spool, its delivery journal, and the
// archive server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ndlib/shotlogger/archiveapi"
	"github.com/ndlib/shotlogger/journal"
	"github.com/ndlib/shotlogger/spool"
	"github.com/ndlib/shotlogger/store"
)

// various command line flags, with default values
var (
	spoolRoot   = flag.String("root", ".", "screenshot folder of a shotlogger")
	journalSpec = flag.String("journal", "", "delivery journal: a QL file, memory, or mysql:<dsn>")
	serverURL   = flag.String("server", "http://127.0.0.1:5000", "archive server to use")
	username    = flag.String("user", "admin", "archive viewer login")
	password    = flag.String("password", "", "archive viewer password")
	proxy       = flag.String("proxy", "", "proxy for archive requests, e.g. socks5h://127.0.0.1:9050")
	usage       = `
shotctl <flags> <command> <command arguments>

Possible commands:

    ls
    history [count]
    owners
    days <owner>
    files <owner> <day>
    get <owner> <day> <file>

`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch cmd, n := args[0], len(args)-1; {
	case cmd == "ls" && n == 0:
		err = doLs(os.Stdout, *spoolRoot, *journalSpec)
	case cmd == "history" && n <= 1:
		count := 20
		if n == 1 {
			count, err = strconv.Atoi(args[1])
			if err != nil {
				break
			}
		}
		err = doHistory(os.Stdout, *journalSpec, count)
	case cmd == "owners" && n == 0:
		err = doOwners(os.Stdout, connection())
	case cmd == "days" && n == 1:
		err = doDays(os.Stdout, connection(), args[1])
	case cmd == "files" && n == 2:
		err = doFiles(os.Stdout, connection(), args[1], args[2])
	case cmd == "get" && n == 3:
		err = connection().Download(context.Background(), os.Stdout, args[1], args[2], args[3])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func connection() *archiveapi.Connection {
	return &archiveapi.Connection{
		HostURL:     *serverURL,
		Username:    *username,
		WebPassword: *password,
		Proxy:       *proxy,
	}
}

// readOnly hides the write side of a store so looking at a spool does not
// change it.
type readOnly struct {
	store.ROStore
}

var errReadOnly = errors.New("spool is opened read only")

func (readOnly) Create(key string) (io.WriteCloser, error) { return nil, errReadOnly }
func (readOnly) Delete(key string) error                   { return errReadOnly }

// doLs lists the artifacts in a spool the way a restarting shotlogger would
// see them. Nothing in the spool is changed.
func doLs(out io.Writer, root, journalSpec string) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}
	var acked spool.Acknowledger
	if journalSpec != "" {
		j, err := journal.Open(journalSpec)
		if err != nil {
			return err
		}
		defer j.Close()
		acked = j
	}
	x, err := spool.Recover(readOnly{store.NewFileSystem(root, spool.DayPartition)}, acked)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Key\tDay\tSize\tState\n")
	for _, a := range x.Entries() {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", a.Key, a.Day, a.Size, a.State)
	}
	w.Flush()
	fmt.Fprintf(out, "%d artifacts, %d pending, %d bytes\n", x.Len(), x.PendingCount(), x.Size())
	return nil
}

func doHistory(out io.Writer, journalSpec string, count int) error {
	if journalSpec == "" {
		return errors.New("no journal given, use -journal")
	}
	j, err := journal.Open(journalSpec)
	if err != nil {
		return err
	}
	defer j.Close()
	entries, err := j.History(count)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Acked\tStatus\tKey\tDestination\n")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Acked.Format(time.RFC3339), e.Status, e.Key, e.Destination)
	}
	return w.Flush()
}

func doOwners(out io.Writer, conn *archiveapi.Connection) error {
	owners, err := conn.Owners(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Owner\tDays\tFiles\n")
	for _, o := range owners {
		fmt.Fprintf(w, "%s\t%d\t%d\n", o.Name, o.Days, o.Files)
	}
	return w.Flush()
}

func doDays(out io.Writer, conn *archiveapi.Connection, owner string) error {
	days, err := conn.Days(context.Background(), owner)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Day\tFiles\n")
	for _, d := range days {
		fmt.Fprintf(w, "%s\t%d\n", d.Name, d.Files)
	}
	return w.Flush()
}

func doFiles(out io.Writer, conn *archiveapi.Connection, owner, day string) error {
	files, err := conn.Files(context.Background(), owner, day)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "File\tSize\tModified\n")
	for _, f := range files {
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Name, f.Size, f.Modified.Format(time.RFC3339))
	}
	return w.Flush()
}
