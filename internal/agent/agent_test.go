//go:build integration

package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/gostonefire/hashdb"
	"github.com/gostonefire/hashdb/ecode"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"
)

const testDB string = "agenttest.tdb"

// The test binary doubles as the agent when started with this variable set
const agentEnv string = "HASHDB_TEST_AGENT"

func TestMain(m *testing.M) {
	if os.Getenv(agentEnv) == "1" {
		if err := Serve(context.Background(), os.Stdin, os.Stdout, Options{Timeout: 200 * time.Millisecond}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// newTestAgent - Starts the test binary as an agent
func newTestAgent(t *testing.T) *Client {
	cmd := exec.Command(os.Args[0])
	cmd.Env = append(os.Environ(), agentEnv+"=1")
	cmd.Stderr = os.Stderr
	client, err := NewClient(cmd)
	assert.NoError(t, err, "starts agent")
	return client
}

// newTestDB - Creates a fresh database and closes it again unless keep is set
func newTestDB(t *testing.T, keep bool) *hashdb.HashDB {
	_ = os.Remove(testDB)
	db, err := hashdb.Open(testDB, hashdb.Options{Create: true})
	assert.NoError(t, err, "creates database")
	if !keep {
		assert.NoError(t, db.Close(), "closes database")
		return nil
	}
	return db
}

func TestAgent(t *testing.T) {
	t.Run("stores distinct keys from independent processes", func(t *testing.T) {
		// Prepare
		newTestDB(t, false)
		const agents, keys = 4, 50

		// Execute
		var g errgroup.Group
		for i := 0; i < agents; i++ {
			g.Go(func() error {
				client := newTestAgent(t)
				defer func() { _ = client.Close() }()
				for j := 0; j < keys; j++ {
					res, err := client.Do(Store, testDB, fmt.Sprintf("agent%d-key%d", i, j), fmt.Sprintf("value%d", j))
					if err != nil {
						return err
					}
					if res != Success {
						return fmt.Errorf("agent %d key %d: result %d", i, j, res)
					}
				}
				return nil
			})
		}
		err := g.Wait()

		// Check
		assert.NoError(t, err, "all agents stored")
		db, err := hashdb.Open(testDB, hashdb.Options{})
		assert.NoError(t, err, "opens database")
		for i := 0; i < agents; i++ {
			for j := 0; j < keys; j++ {
				data, err := db.Fetch([]byte(fmt.Sprintf("agent%d-key%d", i, j)))
				assert.NoError(t, err, "fetches key")
				assert.Equal(t, fmt.Sprintf("value%d", j), string(data), "correct data")
			}
		}
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		assert.NoError(t, db.Close(), "closes database")
		_ = os.Remove(testDB)
	})

	t.Run("reports contention while a transaction is held", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, true)
		client := newTestAgent(t)
		assert.NoError(t, db.TransactionStart(), "starts transaction")

		// Execute
		blocked, err1 := client.Do(Transaction, testDB)
		assert.NoError(t, db.TransactionCancel(), "cancels transaction")
		free, err2 := client.Do(Transaction, testDB)

		// Check
		assert.NoError(t, err1, "talks to agent")
		assert.Equal(t, Contention, blocked, "blocked by transaction")
		assert.NoError(t, err2, "talks to agent")
		assert.Equal(t, Success, free, "commits once free")
		_, err := db.Fetch([]byte("a"))
		assert.ErrorIs(t, err, ecode.NoExist{}, "agent removed its key")
		assert.NoError(t, db.Check(nil), "checks out")

		// Clean up
		assert.NoError(t, client.Close(), "stops agent")
		assert.NoError(t, db.Close(), "closes database")
		_ = os.Remove(testDB)
	})

	t.Run("reports contention on a locked database", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, true)
		client := newTestAgent(t)
		assert.NoError(t, db.LockAll(), "locks all")

		// Execute
		res, err := client.Do(Store, testDB, "key", "value")

		// Check
		assert.NoError(t, err, "talks to agent")
		assert.Equal(t, Contention, res, "blocked by lock")
		assert.NoError(t, db.UnlockAll(), "unlocks all")
		res, err = client.Do(Store, testDB, "key", "value")
		assert.NoError(t, err, "talks to agent")
		assert.Equal(t, Success, res, "stores once free")

		// Clean up
		assert.NoError(t, client.Close(), "stops agent")
		assert.NoError(t, db.Close(), "closes database")
		_ = os.Remove(testDB)
	})

	t.Run("sees committed data", func(t *testing.T) {
		// Prepare
		db := newTestDB(t, true)
		client := newTestAgent(t)
		assert.NoError(t, db.TransactionStart(), "starts transaction")
		assert.NoError(t, db.Store([]byte("key"), []byte("value"), hashdb.Insert), "stores key")
		assert.NoError(t, db.TransactionCommit(), "commits")

		// Execute
		same, err1 := client.Do(Fetch, testDB, "key", "value")
		other, err2 := client.Do(Fetch, testDB, "key", "other")
		missing, err3 := client.Do(Fetch, testDB, "nokey", "value")
		checked, err4 := client.Do(Check, testDB)

		// Check
		assert.NoError(t, err1, "talks to agent")
		assert.NoError(t, err2, "talks to agent")
		assert.NoError(t, err3, "talks to agent")
		assert.NoError(t, err4, "talks to agent")
		assert.Equal(t, Success, same, "same data")
		assert.ErrorIs(t, other.Err(), ecode.Corrupt{}, "other data")
		assert.ErrorIs(t, missing.Err(), ecode.NoExist{}, "no such key")
		assert.Equal(t, Success, checked, "checks out")

		// Clean up
		assert.NoError(t, client.Close(), "stops agent")
		assert.NoError(t, db.Close(), "closes database")
		_ = os.Remove(testDB)
	})
}

func TestServe(t *testing.T) {
	t.Run("answers every line", func(t *testing.T) {
		// Prepare
		in := strings.NewReader("bogus\nfetch\nstore agentnofile.tdb key\n")
		var out strings.Builder

		// Execute
		err := Serve(context.Background(), in, &out, Options{})

		// Check
		assert.NoError(t, err, "serves to end of input")
		invalid := fmt.Sprintf("%d\n", ecode.CodeInvalid)
		assert.Equal(t, invalid+invalid+invalid, out.String(), "malformed requests rejected")
	})

	t.Run("reports a missing file", func(t *testing.T) {
		// Prepare
		in := strings.NewReader("check agentnofile.tdb\n")
		var out strings.Builder

		// Execute
		err := Serve(context.Background(), in, &out, Options{})

		// Check
		assert.NoError(t, err, "serves")
		assert.Equal(t, fmt.Sprintf("%d\n", ecode.CodeIO), out.String(), "open failed")
	})
}
