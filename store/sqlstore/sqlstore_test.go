package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/hwm/store"
	"go.gazette.dev/hwm/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	var b = openTestSQLite(t)
	storetest.Run(t, b)
}

func TestPostgresConformance(t *testing.T) {
	var dsn = os.Getenv("HWM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("HWM_TEST_POSTGRES_DSN not set")
	}
	var b, err = OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer b.Close()

	for _, table := range []string{"hwm_values", "hwm_hashes", "hwm_zsets", "hwm_versions"} {
		_, err = b.DB.Exec(`DELETE FROM ` + table + ` WHERE key LIKE 'storetest:%';`)
		require.NoError(t, err)
	}
	storetest.Run(t, b)
}

func TestSQLiteSchemaIsReopened(t *testing.T) {
	var ctx = context.Background()
	var path = filepath.Join(t.TempDir(), "hwm.db")

	var b, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	conn, err := b.DialConn(ctx)
	require.NoError(t, err)

	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		txn.Set("key", "value")
		txn.ZAdd("set", 1.5, "member")
		return nil
	}, "key"))
	require.NoError(t, b.Close())

	b, err = OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	conn, err = b.DialConn(ctx)
	require.NoError(t, err)

	v, ok, err := conn.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", v)

	members, err := conn.RangeByRank(ctx, "set", -1, -1)
	require.NoError(t, err)
	require.Equal(t, []store.Member{{Name: "member", Score: 1.5}}, members)
}

func TestSQLiteConcurrentIncrements(t *testing.T) {
	var ctx, b = context.Background(), openTestSQLite(t)
	const key, writers, increments = "counter", 4, 10

	var wg sync.WaitGroup
	for i := 0; i != writers; i++ {
		var conn = storetest.MustConn(t, b)

		wg.Add(1)
		go func() {
			defer wg.Done()

			for n := 0; n != increments; {
				var err = conn.Watch(ctx, func(txn store.Txn) error {
					var members, err = txn.RangeByRank(ctx, key, -1, -1)
					if err != nil {
						return err
					}
					var next float64
					if len(members) != 0 {
						next = members[0].Score + 1
					}
					txn.ZAdd(key, next, string(rune('a'+int(next)%26))+string(rune('a'+int(next)/26)))
					return nil
				}, key)

				if err == store.ErrTxnAborted {
					continue
				} else if err != nil {
					t.Error(err)
					return
				}
				n++
			}
		}()
	}
	wg.Wait()

	var members, err = storetest.MustConn(t, b).RangeByRank(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Len(t, members, writers*increments)

	for i, m := range members {
		require.Equal(t, float64(i), m.Score)
	}
}

func TestManyFieldsAreBatched(t *testing.T) {
	var ctx, b = context.Background(), openTestSQLite(t)
	var conn = storetest.MustConn(t, b)

	var fields []string
	require.NoError(t, conn.Watch(ctx, func(txn store.Txn) error {
		for i := 0; i != maxHMGetFields+10; i++ {
			var f = string(rune('a'+i%26)) + string(rune('a'+i/26%26))
			f += string(rune('a' + i/676))
			fields = append(fields, f)
			txn.HSet("hash", f, f)
		}
		return nil
	}))

	var m, err = conn.HMGet(ctx, "hash", fields...)
	require.NoError(t, err)
	require.Len(t, m, len(fields))
}

func openTestSQLite(t *testing.T) *Backend {
	var b, err = OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "hwm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}
