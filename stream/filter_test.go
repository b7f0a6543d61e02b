package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/binlogtap/binlog"
)

func TestFilterKinds(t *testing.T) {
	f, err := NewFilter([]string{"xid", "rotate"}, []string{"rotate"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Allow(xidEvent()))
	assert.False(t, f.Allow(rotateEvent()), "ignore wins over only")
	assert.False(t, f.Allow(&binlog.Event{Payload: &binlog.Heartbeat{}}))

	_, err = NewFilter([]string{"bogus"}, nil, nil)
	assert.Error(t, err)
}

func TestFilterTables(t *testing.T) {
	f, err := NewFilter(nil, nil, matchFunc(func(db, table string) bool {
		return db == "shop" && table != "audit"
	}))
	require.NoError(t, err)

	users := &binlog.TableMap{Schema: "shop", Table: "users"}
	audit := &binlog.TableMap{Schema: "shop", Table: "audit"}

	assert.True(t, f.Allow(&binlog.Event{Payload: users}))
	assert.False(t, f.Allow(&binlog.Event{Payload: audit}))
	assert.True(t, f.Allow(&binlog.Event{Payload: &binlog.Rows{Action: binlog.ActionInsert, Table: users}}))
	assert.False(t, f.Allow(&binlog.Event{Payload: &binlog.Rows{Action: binlog.ActionDelete, Table: audit}}))
	assert.True(t, f.Allow(xidEvent()), "non-table events pass")
}

func TestFilterPassesCommitBoundaries(t *testing.T) {
	f, err := NewFilter([]string{"write_rows", "update_rows", "delete_rows"}, []string{"xid", "query"}, nil)
	require.NoError(t, err)

	assert.True(t, f.Allow(xidEvent()))
	assert.True(t, f.Allow(&binlog.Event{Payload: &binlog.Query{SQL: "COMMIT"}, EndsTransaction: true}))
	assert.False(t, f.Allow(&binlog.Event{Payload: &binlog.Query{SQL: "BEGIN"}}))
	assert.False(t, f.Allow(rotateEvent()))
}

func TestNilFilterAllowsAll(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allow(xidEvent()))
}
