package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mailsync/msync/config"
	"github.com/mailsync/msync/conv"
	"github.com/mailsync/msync/dlist"
	"github.com/mailsync/msync/mbox"
	"github.com/mailsync/msync/mlog"
	"github.com/mailsync/msync/msyncvar"
	"github.com/mailsync/msync/reserve"
	"github.com/mailsync/msync/synccrc"
	"github.com/mailsync/msync/syncdb"
	"github.com/mailsync/msync/syncio"
	"github.com/mailsync/msync/synclog"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"config example", cmdConfigExample},
	{"dlist fmt", cmdDlistFmt},
	{"synclog add", cmdSynclogAdd},
	{"synclog run", cmdSynclogRun},
	{"digest", cmdDigest},
	{"cid resolve", cmdCIDResolve},
	{"state list", cmdStateList},
	{"state forget", cmdStateForget},
	{"stale clean", cmdStaleClean},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log *mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("msync "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "msync " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their
help text. If a single command matches, its usage and full help text is
printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		for i := range pre {
			if pre[i] != l[i] {
				return false
			}
		}
		return true
	}

	var partial []cmd
	for _, c := range cmds {
		if len(c.words) == len(args) && prefix(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "msync " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd, partialOnly bool) {
	var lines []string
	if !partialOnly {
		lines = append(lines, "msync [-config msync.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"msync"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string

// mustLoadConfig loads the config file for subcommands, restoring any log
// level specified on the command line over the one from the config file.
func mustLoadConfig() config.Config {
	c, err := config.Load(configPath)
	xcheckf(err, "loading config")
	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]mlog.Level{"": level})
	}
	return c
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MSYNCCONF", "msync.conf"), "configuration file, defaults to $MSYNCCONF with a fallback to msync.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]mlog.Level{"": level})
		// note: SetConfig may be called again when subcommands load the config.
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("msync "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""))
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this msync version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(msyncvar.Version)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If invalid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.help = "Prints an annotated example configuration file."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := config.Describe(os.Stdout)
	xcheckf(err, "describing config")
}

func cmdConfigExample(c *cmd) {
	c.params = "path"
	c.help = `Writes an example configuration file.

Fails if the file already exists.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	err := config.WriteExample(args[0])
	xcheckf(err, "writing example config")
	fmt.Println("wrote", args[0])
}

func cmdDlistFmt(c *cmd) {
	var named bool
	c.flag.BoolVar(&named, "named", false, "input is a named value, name SP value")
	c.params = "[-named] < input"
	c.help = `Parses wire data from stdin and prints it re-rendered to stdout.

Useful to validate captured protocol data: input that does not parse, or does
not survive a round trip, is malformed. File literals are not supported on
stdin, they reference local spool files.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	// With -loglevel trace the raw exchange is logged, like a protocol
	// transcript.
	br := bufio.NewReader(syncio.NewTraceReader(c.log, "RD: ", os.Stdin))
	out := bufio.NewWriter(syncio.NewTraceWriter(c.log, "WR: ", os.Stdout))
	for {
		var n *dlist.Node
		var err error
		if named {
			n, err = dlist.ReadNamed(br, nil)
		} else {
			n, err = dlist.Read(br, nil)
		}
		if err == io.EOF {
			break
		}
		xcheckf(err, "parsing value")
		err = n.Print(out, named)
		xcheckf(err, "printing value")
		fmt.Fprintln(out)
		// Values on stdin are separated by whitespace.
		for {
			b, err := br.Peek(1)
			if err != nil || (b[0] != ' ' && b[0] != '\r' && b[0] != '\n') {
				break
			}
			_, _ = br.ReadByte()
		}
	}
	err := out.Flush()
	xcheckf(err, "writing output")
}

func cmdSynclogAdd(c *cmd) {
	c.params = "kind name ..."
	c.help = `Appends a change record to the change log of every configured channel.

The kind is the record type, e.g. APPEND or MAILBOX, followed by its names,
e.g.:

	msync synclog add APPEND user.mjl
	msync synclog add RENAME user.old user.new

Names with whitespace or quotes are quoted in the log automatically.
`
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}
	conf := mustLoadConfig()
	l := synclog.New(conf.DataDir, conf.SyncLog.Channels, conf.SyncLog.Enabled)

	format := args[0] + strings.Repeat(" %s", len(args)-1)
	largs := make([]any, len(args)-1)
	for i, a := range args[1:] {
		largs[i] = a
	}
	err := l.Logf(format, largs...)
	xcheckf(err, "appending change record")
	if !conf.SyncLog.Enabled {
		fmt.Fprintln(os.Stderr, "note: change log not enabled in config, nothing written")
	}
}

func cmdSynclogRun(c *cmd) {
	var channel string
	var keep bool
	c.flag.StringVar(&channel, "channel", "", "channel to consume, empty for the default channel")
	c.flag.BoolVar(&keep, "keep", false, "do not remove the rotated snapshot afterwards, for inspection")
	c.params = "[-channel name] [-keep]"
	c.help = `Rotates the change log of a channel and prints its queued records.

Duplicate records are printed once: processing a mailbox covers all queued
changes to it, so repeats carry no extra work. The rotated snapshot is removed
when all records have been printed, unless -keep is given. A snapshot left by
an earlier interrupted run is resumed first.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()

	var target synclog.Target
	found := false
	for _, t := range synclog.New(conf.DataDir, conf.SyncLog.Channels, true).Targets() {
		if t.Name == channel {
			target = t
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("unknown channel %q", channel)
	}

	r, err := synclog.OpenReader(target.Path)
	xcheckf(err, "opening change log")
	seen := map[string]bool{}
	for _, rec := range r.Records() {
		key := strings.Join(rec.Fields, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		fmt.Println(strings.Join(rec.Fields, " "))
	}
	if !keep {
		err := r.Done()
		xcheckf(err, "removing processed snapshot")
	}
}

func cmdDigest(c *cmd) {
	var algorithm, covers string
	c.flag.StringVar(&algorithm, "algorithm", "", "digest algorithm, CRC32 or CRC32M, default from config")
	c.flag.StringVar(&covers, "covers", "", "digest coverage facets, default from config")
	c.params = "[-algorithm name] [-covers facets] < records"
	c.help = `Computes the consistency digest over index records read from stdin.

The input is one wire-format keyed list per record, e.g.:

	%(UID 1 MODSEQ 7 LASTUPDATED 1700000000 FLAGS (\Seen) INTERNALDATE 1690000000 GUID <40 char hex>)

An optional CID field is folded in when CID is covered. The digest is printed
as the unsigned decimal exchanged during synchronization.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	// The config file is only needed for defaults not given on the command
	// line.
	if algorithm == "" || covers == "" {
		conf := mustLoadConfig()
		if algorithm == "" {
			algorithm = conf.Digest.Algorithm
		}
		if covers == "" {
			covers = conf.Digest.Covers
		}
	}
	alg := synccrc.ParseAlgorithm(algorithm)
	cov := synccrc.ParseCovers(covers)

	var recs []mbox.IndexRecord
	br := bufio.NewReader(os.Stdin)
	for {
		n, err := dlist.Read(br, nil)
		if err == io.EOF {
			break
		}
		xcheckf(err, "parsing record")
		rec, err := parseIndexRecord(n)
		xcheckf(err, "interpreting record")
		recs = append(recs, rec)
		for {
			b, err := br.Peek(1)
			if err != nil || (b[0] != ' ' && b[0] != '\r' && b[0] != '\n') {
				break
			}
			_, _ = br.ReadByte()
		}
	}

	sum, err := synccrc.Mailbox(alg, cov, recs, nil)
	xcheckf(err, "computing digest")
	fmt.Println(sum)
}

// parseIndexRecord interprets a keyed list from the wire as an index record.
func parseIndexRecord(n *dlist.Node) (mbox.IndexRecord, error) {
	var rec mbox.IndexRecord
	uid, ok := n.GetNum("UID")
	if !ok {
		return rec, fmt.Errorf("missing or bad UID")
	}
	rec.UID = uint32(uid)
	modseq, ok := n.GetNum("MODSEQ")
	if !ok {
		return rec, fmt.Errorf("missing or bad MODSEQ")
	}
	rec.ModSeq = int64(modseq)
	rec.LastUpdated, ok = n.GetDate("LASTUPDATED")
	if !ok {
		return rec, fmt.Errorf("missing or bad LASTUPDATED")
	}
	rec.InternalDate, ok = n.GetDate("INTERNALDATE")
	if !ok {
		return rec, fmt.Errorf("missing or bad INTERNALDATE")
	}
	rec.GUID, ok = n.GetGUID("GUID")
	if !ok {
		return rec, fmt.Errorf("missing or bad GUID")
	}
	if fl, ok := n.GetList("FLAGS"); ok {
		for _, f := range fl.Children() {
			s, ok := f.AsAtom()
			if !ok {
				return rec, fmt.Errorf("bad flag")
			}
			rec.Flags = append(rec.Flags, s)
		}
	}
	if cid, ok := n.GetHex("CID"); ok {
		rec.CID = cid
	}
	return rec, nil
}

func cmdCIDResolve(c *cmd) {
	c.params = "master-cid replica-cid"
	c.help = `Resolves a conversation id conflict between the two sides.

The cids are in 16 char hex form, or NIL for unset. Prints the surviving cid
and which side must renumber, if any.
`
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	master, err := conv.Parse(args[0])
	xcheckf(err, "parsing master cid")
	replica, err := conv.Parse(args[1])
	xcheckf(err, "parsing replica cid")

	winner, r := conv.Resolve(master, replica)
	fmt.Println("winner:", winner)
	switch {
	case r.Clash && r.MasterUsed:
		fmt.Println("clash, replica must renumber")
	case r.Clash && r.ReplicaUsed:
		fmt.Println("clash, master must renumber")
	case r.MasterUsed:
		fmt.Println("replica takes the master cid")
	case r.ReplicaUsed:
		fmt.Println("master takes the replica cid")
	default:
		fmt.Println("already equal")
	}
}

func statePath(conf config.Config) string {
	return filepath.Join(conf.DataDir, "sync", "state.db")
}

func cmdStateList(c *cmd) {
	c.help = "Lists the stored replication state of all known folders."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	ctx := context.Background()
	db, err := syncdb.Open(ctx, statePath(conf))
	xcheckf(err, "opening state database")
	defer db.Close()

	l, err := db.All(ctx)
	xcheckf(err, "listing folder state")
	fmt.Printf("%-40s %-12s %8s %12s %10s %s\n", "name", "uniqueid", "lastuid", "modseq", "digest", "lastsync")
	for _, fs := range l {
		fmt.Printf("%-40s %-12s %8d %12d %10d %s\n", fs.Name, fs.UniqueID, fs.LastUID, fs.HighestModSeq, fs.Digest, fs.LastSync.Format(time.RFC3339))
	}
}

func cmdStateForget(c *cmd) {
	c.params = "uniqueid"
	c.help = `Removes the stored replication state of a folder.

The next synchronization of the folder starts from scratch. Use after a folder
was deliberately recreated on both sides.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	conf := mustLoadConfig()
	ctx := context.Background()
	db, err := syncdb.Open(ctx, statePath(conf))
	xcheckf(err, "opening state database")
	defer db.Close()

	_, err = db.Folder(ctx, args[0])
	if err == bstore.ErrAbsent {
		log.Fatalf("no state for folder %q", args[0])
	}
	xcheckf(err, "looking up folder state")
	err = db.Forget(ctx, args[0])
	xcheckf(err, "removing folder state")
}

func cmdStaleClean(c *cmd) {
	var age time.Duration
	c.flag.DurationVar(&age, "age", 24*time.Hour, "remove staging directories untouched for this long")
	c.params = "[-age duration]"
	c.help = `Removes stale message staging directories of dead processes.

Walks the sync. staging area of every configured partition and removes
directories of other processes untouched for longer than -age. Run
periodically, e.g. from cron.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	for name, root := range conf.Partitions {
		err := reserve.RemoveStale(root, age)
		xcheckf(err, "cleaning staging area of partition %q", name)
	}
}
