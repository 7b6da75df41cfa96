package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenKey(t *testing.T) {
	assert.Equal(t, "seen:abercrombie:run-1", SeenKey("abercrombie", "run-1"))
}

func TestSeenSet_Add(t *testing.T) {
	db, mock := redismock.NewClientMock()
	set := NewSeenSet(db, "seen:test:1", time.Hour)
	ctx := context.TODO()

	mock.ExpectSAdd("seen:test:1", "https://shop.example/p/1").SetVal(1)
	mock.ExpectExpire("seen:test:1", time.Hour).SetVal(true)
	isNew, err := set.Add(ctx, "https://shop.example/p/1")
	require.NoError(t, err)
	assert.True(t, isNew)

	mock.ExpectSAdd("seen:test:1", "https://shop.example/p/1").SetVal(0)
	isNew, err = set.Add(ctx, "https://shop.example/p/1")
	require.NoError(t, err)
	assert.False(t, isNew, "second add of the same url is not new")

	mock.ExpectSAdd("seen:test:1", "https://shop.example/p/2").SetVal(1)
	isNew, err = set.Add(ctx, "https://shop.example/p/2")
	require.NoError(t, err)
	assert.True(t, isNew)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSeenSet_AddError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	set := NewSeenSet(db, "seen:test:1", 0)

	mock.ExpectSAdd("seen:test:1", "https://shop.example/p/1").SetErr(errors.New("redis error"))
	_, err := set.Add(context.TODO(), "https://shop.example/p/1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis sadd failure")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestSeenSet_ExpireFailureIsRetried(t *testing.T) {
	db, mock := redismock.NewClientMock()
	set := NewSeenSet(db, "seen:test:1", time.Minute)
	ctx := context.TODO()

	mock.ExpectSAdd("seen:test:1", "a").SetVal(1)
	mock.ExpectExpire("seen:test:1", time.Minute).SetErr(errors.New("timeout"))
	isNew, err := set.Add(ctx, "a")
	assert.Error(t, err)
	assert.True(t, isNew, "the url was still recorded")

	mock.ExpectSAdd("seen:test:1", "b").SetVal(1)
	mock.ExpectExpire("seen:test:1", time.Minute).SetVal(true)
	_, err = set.Add(ctx, "b")
	assert.NoError(t, err)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
