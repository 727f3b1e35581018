package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taggedRow struct {
	ID   uint `gorm:"primaryKey"`
	Tags StringArray
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := New(&Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestStringArrayRoundTrip(t *testing.T) {
	db, err := New(&Config{Driver: "sqlite", FilePath: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	require.NoError(t, AutoMigrate(db, &taggedRow{}))

	require.NoError(t, db.Create(&taggedRow{ID: 1, Tags: StringArray{"/queue/messages/alice", "/topic/status"}}).Error)
	require.NoError(t, db.Create(&taggedRow{ID: 2}).Error)

	var got taggedRow
	require.NoError(t, db.First(&got, 1).Error)
	assert.Equal(t, StringArray{"/queue/messages/alice", "/topic/status"}, got.Tags)

	var empty taggedRow
	require.NoError(t, db.First(&empty, 2).Error)
	assert.Nil(t, empty.Tags)
}

func TestStringArrayScanPostgresFormat(t *testing.T) {
	var a StringArray
	require.NoError(t, a.Scan(`{a,"b,c",d}`))
	assert.Equal(t, StringArray{"a", "b,c", "d"}, a)

	require.NoError(t, a.Scan(`{"say \"hi\"",x}`))
	assert.Equal(t, StringArray{`say "hi"`, "x"}, a)

	assert.Error(t, a.Scan(`{"open`))

	require.NoError(t, a.Scan("{}"))
	assert.Equal(t, StringArray{}, a)

	assert.Error(t, a.Scan(42))
}
