package store_test

import (
	"bytes"
	"testing"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func version(b byte) store.Version {
	var v store.Version
	v[0] = b
	return v
}

func Test_Versioning(t *testing.T) {
	t.Log("Given the need to commit and roll back tagged versions.")
	{
		st, err := store.New("")
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open an in-memory store: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to open an in-memory store.", success)
		defer st.Close()

		v1 := version(1)
		kvs := []store.KV{
			{Key: []byte("alpha"), Value: []byte("one")},
			{Key: []byte("beta"), Value: []byte("two")},
		}
		if err := st.BulkInsert(v1, kvs, nil); err != nil {
			t.Fatalf("\t%s\tShould be able to commit the first version: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to commit the first version.", success)

		last, ok := st.LastVersionID()
		if !ok || last != v1 {
			t.Fatalf("\t%s\tShould report the committed version as last.", failed)
		}
		t.Logf("\t%s\tShould report the committed version as last.", success)

		v2 := version(2)
		kvs = []store.KV{{Key: []byte("alpha"), Value: []byte("uno")}}
		if err := st.BulkInsert(v2, kvs, [][]byte{[]byte("beta")}); err != nil {
			t.Fatalf("\t%s\tShould be able to commit the second version: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to commit the second version.", success)

		value, err := st.Get([]byte("alpha"))
		if err != nil || !bytes.Equal(value, []byte("uno")) {
			t.Fatalf("\t%s\tShould read the overwritten value.", failed)
		}
		t.Logf("\t%s\tShould read the overwritten value.", success)

		if _, err := st.Get([]byte("beta")); err == nil {
			t.Fatalf("\t%s\tShould not find the removed key.", failed)
		}
		t.Logf("\t%s\tShould not find the removed key.", success)

		if got := len(st.RollbackVersions()); got != 2 {
			t.Fatalf("\t%s\tShould have two rollback-reachable versions, got %d.", failed, got)
		}
		t.Logf("\t%s\tShould have two rollback-reachable versions.", success)

		if err := st.Rollback(v1); err != nil {
			t.Fatalf("\t%s\tShould be able to roll back to the first version: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to roll back to the first version.", success)

		value, err = st.Get([]byte("alpha"))
		if err != nil || !bytes.Equal(value, []byte("one")) {
			t.Fatalf("\t%s\tShould read the original value after rollback.", failed)
		}
		t.Logf("\t%s\tShould read the original value after rollback.", success)

		value, err = st.Get([]byte("beta"))
		if err != nil || !bytes.Equal(value, []byte("two")) {
			t.Fatalf("\t%s\tShould find the removed key again after rollback.", failed)
		}
		t.Logf("\t%s\tShould find the removed key again after rollback.", success)

		if err := st.Rollback(version(9)); err == nil {
			t.Fatalf("\t%s\tShould reject a rollback to an unknown version.", failed)
		}
		t.Logf("\t%s\tShould reject a rollback to an unknown version.", success)
	}
}

func Test_Clean(t *testing.T) {
	t.Log("Given the need to bound the rollback history.")
	{
		st, err := store.New("")
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open an in-memory store: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to open an in-memory store.", success)
		defer st.Close()

		for i := byte(1); i <= 5; i++ {
			kvs := []store.KV{{Key: []byte{'k', i}, Value: []byte{i}}}
			if err := st.BulkInsert(version(i), kvs, nil); err != nil {
				t.Fatalf("\t%s\tShould be able to commit version %d: %s", failed, i, err)
			}
		}
		t.Logf("\t%s\tShould be able to commit five versions.", success)

		if err := st.Clean(2); err != nil {
			t.Fatalf("\t%s\tShould be able to clean the history: %s", failed, err)
		}
		t.Logf("\t%s\tShould be able to clean the history.", success)

		versions := st.RollbackVersions()
		if len(versions) != 2 || versions[0] != version(4) || versions[1] != version(5) {
			t.Fatalf("\t%s\tShould keep only the newest two versions.", failed)
		}
		t.Logf("\t%s\tShould keep only the newest two versions.", success)

		if err := st.Rollback(version(2)); err == nil {
			t.Fatalf("\t%s\tShould not roll back past the cleaned history.", failed)
		}
		t.Logf("\t%s\tShould not roll back past the cleaned history.", success)

		// Data written by evicted versions is still current.
		if _, err := st.Get([]byte{'k', 1}); err != nil {
			t.Fatalf("\t%s\tShould keep the data of evicted versions.", failed)
		}
		t.Logf("\t%s\tShould keep the data of evicted versions.", success)
	}
}
