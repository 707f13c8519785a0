package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gostonefire/hashdb"
	"github.com/gostonefire/hashdb/ecode"
	"go.uber.org/zap"
)

// Op - An operation the agent can be asked to do
type Op string

const (
	// Transaction opens the database, stores "a" -> "b" in a transaction, commits and deletes the key again
	Transaction Op = "transaction"
	// Store stores data under key, replacing whatever was there
	Store Op = "store"
	// Fetch succeeds if key holds data
	Fetch Op = "fetch"
	// Check runs a full check of the database
	Check Op = "check"
)

// Result - The outcome of an operation: Success, Contention or the negative ecode.Code of the failure
type Result int

const (
	Success    Result = 1
	Contention Result = 0
)

// Err - Returns nil for Success and Contention, otherwise the error matching the code
func (R Result) Err() error {
	if R >= 0 {
		return nil
	}
	return ecode.FromCode(ecode.Code(R), "agent failed")
}

// resultOf - Maps an error onto a Result, timeouts meaning contention
func resultOf(err error) Result {
	switch code := ecode.CodeOf(err); code {
	case ecode.Success:
		return Success
	case ecode.CodeTimeout:
		return Contention
	default:
		return Result(code)
	}
}

// Options - Configuration of the serving side
//   - Timeout bounds every lock wait, a wait running out counts as contention. Default 1 second.
//   - Logger receives diagnostics, the default discards them
//   - DB is passed to hashdb.Open for every request
type Options struct {
	Timeout time.Duration
	Logger  *zap.Logger
	DB      hashdb.Options
}

// Serve - Reads requests from r, one per line as "<op> <path> [key] [data]", and writes one result per line
// to w until r is exhausted or ctx is done. Every request opens and closes the database, so an agent holds
// nothing between requests.
//   - ctx ends the loop
//   - r is the request stream
//   - w is the result stream
//   - opts is the agent configuration
//
// It returns:
//   - err is nil at end of input or when ctx is done, otherwise the read or write error
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) (err error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		res := handle(ctx, scanner.Text(), opts)
		if _, err = fmt.Fprintf(w, "%d\n", res); err != nil {
			return fmt.Errorf("error while writing result: %w", err)
		}
	}

	if err = scanner.Err(); err != nil {
		err = fmt.Errorf("error while reading request: %w", err)
	}

	return
}

// handle - Parses and runs one request
func handle(ctx context.Context, line string, opts Options) Result {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		opts.Logger.Error("malformed request", zap.String("request", line))
		return Result(ecode.CodeInvalid)
	}
	op, path, args := Op(fields[0]), fields[1], fields[2:]

	var err error
	switch {
	case op == Transaction && len(args) == 0:
		err = doTransaction(ctx, path, opts)
	case op == Store && len(args) == 2:
		err = withDB(ctx, path, opts, func(db *hashdb.HashDB) error {
			return db.Store([]byte(args[0]), []byte(args[1]), hashdb.Replace)
		})
	case op == Fetch && len(args) == 2:
		err = withDB(ctx, path, opts, func(db *hashdb.HashDB) error {
			data, err := db.Fetch([]byte(args[0]))
			if err == nil && !bytes.Equal(data, []byte(args[1])) {
				err = ecode.Corruptf("key %s holds %q, expected %q", args[0], data, args[1])
			}
			return err
		})
	case op == Check && len(args) == 0:
		err = withDB(ctx, path, opts, func(db *hashdb.HashDB) error {
			return db.Check(nil)
		})
	default:
		err = ecode.Invalidf("unknown request %q", line)
	}

	if err != nil && !errors.Is(err, ecode.Timeout{}) {
		opts.Logger.Error("request failed", zap.String("op", string(op)), zap.String("path", path), zap.Error(err))
	}

	return resultOf(err)
}

// withDB - Opens path with lock waits bounded by the agent timeout, runs fn and closes again
func withDB(ctx context.Context, path string, opts Options, fn func(db *hashdb.HashDB) error) (err error) {
	db, err := hashdb.Open(path, opts.DB)
	if err != nil {
		return
	}
	defer func() {
		if closeErr := db.Close(); err == nil {
			err = closeErr
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	db.SetWaitContext(ctx)

	return fn(db)
}

// doTransaction - Stores "a" -> "b" in a transaction and removes the key once committed, so a file shared
// with a test looks untouched afterward. Lock waits running out give ecode.Timeout.
func doTransaction(ctx context.Context, path string, opts Options) error {
	return withDB(ctx, path, opts, func(db *hashdb.HashDB) (err error) {
		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		if err = db.TransactionStartContext(ctx); err != nil {
			return
		}
		if err = db.Store([]byte("a"), []byte("b"), hashdb.Replace); err != nil {
			_ = db.TransactionCancel()
			return
		}
		if err = db.TransactionCommit(); err != nil {
			return
		}

		// Another agent may have committed and deleted it in the meantime
		if err = db.Delete([]byte("a")); errors.Is(err, ecode.NoExist{}) {
			err = nil
		}
		return
	})
}

// Client - The parent side, talking to an agent running in a child process
type Client struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out *bufio.Reader
}

// NewClient - Starts cmd, which must run Serve on its standard input and output
func NewClient(cmd *exec.Cmd) (client *Client, err error) {
	in, err := cmd.StdinPipe()
	if err != nil {
		return
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return
	}
	if err = cmd.Start(); err != nil {
		err = fmt.Errorf("error while starting agent: %w", err)
		return
	}

	client = &Client{cmd: cmd, in: in, out: bufio.NewReader(out)}

	return
}

// Do - Asks the agent to run op on the database at path and waits for the result
//   - op is the operation
//   - path is the database file, it must not contain white space
//   - args are the key and data for Store and Fetch
//
// It returns:
//   - res is the result reported by the agent
//   - err is an error if talking to the agent failed
func (C *Client) Do(op Op, path string, args ...string) (res Result, err error) {
	request := strings.Join(append([]string{string(op), path}, args...), " ")
	if _, err = io.WriteString(C.in, request+"\n"); err != nil {
		err = fmt.Errorf("error while writing to agent: %w", err)
		return
	}

	line, err := C.out.ReadString('\n')
	if err != nil {
		err = fmt.Errorf("error while reading from agent: %w", err)
		return
	}

	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n > int(Success) {
		err = fmt.Errorf("agent returned %q", line)
		return
	}
	res = Result(n)

	return
}

// Close - Ends the agent by closing its input and waits for it to exit
func (C *Client) Close() (err error) {
	if err = C.in.Close(); err != nil {
		return
	}
	if err = C.cmd.Wait(); err != nil {
		err = fmt.Errorf("error while waiting for agent: %w", err)
	}
	return
}
