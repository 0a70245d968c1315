package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/dumpdriver/internal/errors"
	"github.com/ChuLiYu/dumpdriver/internal/holding"
)

func createTestPolicy(t *testing.T, window time.Duration, disks ...holding.Disk) *Policy {
	t.Helper()
	a, err := holding.NewAllocator(disks, nil)
	require.NoError(t, err)
	return &Policy{Alloc: a, TapeWindow: window}
}

func newTestRecord(t *testing.T, serial string, level int, sizes map[int]int64) *Record {
	t.Helper()
	r, err := NewRecord(testDisk("host-"+serial, "/data", level, sizes), serial, "20261016", time.Now())
	require.NoError(t, err)
	return r
}

func TestPlaceNominal(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", Path: "/hold", CapacityKB: 100})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30})

	require.NoError(t, p.Place(r))
	assert.Equal(t, PlanNominal, r.Mode)
	require.Len(t, r.Chunks, 1)
	assert.Equal(t, int64(80), r.Chunks[0].ReservedKB)
	assert.Equal(t, "/hold/20261016/host-00-00001.data.0", r.DestName)
}

// 100 單位的碟上已有 50 單位保留，nominal 80 放不下，改用 degraded 30
func TestPlaceFallsBackToDegraded(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 100})
	_, err := p.Alloc.Reserve(holding.Request{Holder: "other", SizeKB: 50, FileName: "other"})
	require.NoError(t, err)

	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30})
	require.NoError(t, p.Place(r))

	assert.Equal(t, PlanDegraded, r.Mode)
	assert.Equal(t, 1, r.Plan().Level)
	require.Len(t, r.Chunks, 1)
	assert.Equal(t, int64(30), r.Chunks[0].ReservedKB)
	assert.Equal(t, int64(20), p.Alloc.FreeKB("hd1"))
}

func TestPlaceDegradesWhenTapeWindowTooShort(t *testing.T) {
	p := createTestPolicy(t, time.Minute, holding.Disk{Name: "hd1", CapacityKB: 1000})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30}) // nominal 80s

	require.NoError(t, p.Place(r))
	assert.Equal(t, PlanDegraded, r.Mode)
}

func TestPlaceKeepsNominalOverWindowWithoutFallback(t *testing.T) {
	p := createTestPolicy(t, time.Minute, holding.Disk{Name: "hd1", CapacityKB: 1000})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80})

	require.NoError(t, p.Place(r))
	assert.Equal(t, PlanNominal, r.Mode)
}

func TestPlaceOutOfSpace(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 20})

	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30})
	err := p.Place(r)
	assert.ErrorIs(t, err, errors.ErrOutOfSpace)
	assert.Equal(t, PlanUnset, r.Mode)
	assert.Empty(t, r.Chunks)

	noFallback := newTestRecord(t, "00-00002", 0, map[int]int64{0: 80})
	assert.ErrorIs(t, p.Place(noFallback), errors.ErrOutOfSpace)
}

func TestPlaceReusesValidChunks(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 100})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30})
	require.NoError(t, p.Place(r))
	chunks := r.Chunks

	require.NoError(t, p.Place(r))
	assert.Equal(t, chunks, r.Chunks)
	assert.Equal(t, int64(20), p.Alloc.FreeKB("hd1"), "re-placing must not reserve twice")
}

func TestPlaceDoesNotSwitchCommittedPlan(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 100})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80, 1: 30})
	require.NoError(t, p.Place(r))
	require.Equal(t, PlanNominal, r.Mode)

	// chunk 失效後空間被別人佔走，仍然只嘗試 nominal
	p.Release(r)
	_, err := p.Alloc.Reserve(holding.Request{Holder: "other", SizeKB: 50, FileName: "other"})
	require.NoError(t, err)

	err = p.Place(r)
	assert.ErrorIs(t, err, errors.ErrOutOfSpace)
	assert.Equal(t, PlanNominal, r.Mode)
}

func TestCommitAndExtend(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 100})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 40})
	require.NoError(t, p.Place(r))

	require.NoError(t, p.Commit(r, 25))
	require.NoError(t, p.Commit(r, 40))
	assert.Equal(t, int64(40), r.UsedKB())
	require.NoError(t, p.Commit(r, 40), "no new data is a no-op")

	c, err := p.Extend(r, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, r.ActiveChunk)
	assert.Same(t, c, r.Active())
	assert.Equal(t, r.DestName+".1", c.DestName)

	require.NoError(t, p.Commit(r, 60))
	assert.Equal(t, int64(20), r.Chunks[1].UsedKB)
	assert.False(t, r.NoSpace)
}

func TestExtendUsesExistingSplitChunkFirst(t *testing.T) {
	p := createTestPolicy(t, 0,
		holding.Disk{Name: "hd1", CapacityKB: 50},
		holding.Disk{Name: "hd2", CapacityKB: 50},
	)
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80})
	require.NoError(t, p.Place(r))
	require.Len(t, r.Chunks, 2)

	c, err := p.Extend(r, 10)
	require.NoError(t, err)
	assert.Same(t, r.Chunks[1], c)
	assert.Len(t, r.Chunks, 2)
}

// 最後一次 STATUS 在 chunk 0 寫滿前送出，切換到 chunk 1 後的回報要先補滿 chunk 0
func TestCommitFillsEarlierChunksFirst(t *testing.T) {
	p := createTestPolicy(t, 0,
		holding.Disk{Name: "hd1", CapacityKB: 60},
		holding.Disk{Name: "hd2", CapacityKB: 40},
	)
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 100})
	require.NoError(t, p.Place(r))
	require.Len(t, r.Chunks, 2)
	require.Equal(t, int64(60), r.Chunks[0].ReservedKB)

	require.NoError(t, p.Commit(r, 50))
	_, err := p.Extend(r, 10)
	require.NoError(t, err)
	require.Equal(t, 1, r.ActiveChunk)

	require.NoError(t, p.Commit(r, 100))
	assert.False(t, r.NoSpace)
	assert.Equal(t, int64(60), r.Chunks[0].UsedKB)
	assert.Equal(t, int64(40), r.Chunks[1].UsedKB)
	assert.Equal(t, int64(100), r.UsedKB())
}

func TestCommitOverTotalReservationLeavesChunks(t *testing.T) {
	p := createTestPolicy(t, 0,
		holding.Disk{Name: "hd1", CapacityKB: 60},
		holding.Disk{Name: "hd2", CapacityKB: 40},
	)
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 100})
	require.NoError(t, p.Place(r))
	require.NoError(t, p.Commit(r, 50))
	_, err := p.Extend(r, 10)
	require.NoError(t, err)

	err = p.Commit(r, 101)
	assert.ErrorIs(t, err, errors.ErrOutOfSpace)
	assert.True(t, r.NoSpace)
	assert.Equal(t, int64(50), r.UsedKB(), "failed commit changes nothing")
	assert.Equal(t, int64(10), r.Chunks[0].ReservedKB)
}

func TestOverflowSetsNoSpace(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 50})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 40, 1: 10})
	require.NoError(t, p.Place(r))

	err := p.Commit(r, 45)
	assert.ErrorIs(t, err, errors.ErrOutOfSpace)
	assert.True(t, r.NoSpace)
	assert.Equal(t, PlanNominal, r.Mode, "overflow never degrades")

	r.NoSpace = false
	_, err = p.Extend(r, 20)
	assert.ErrorIs(t, err, errors.ErrOutOfSpace)
	assert.True(t, r.NoSpace)
}

func TestTrimAndRelease(t *testing.T) {
	p := createTestPolicy(t, 0, holding.Disk{Name: "hd1", CapacityKB: 100})
	r := newTestRecord(t, "00-00001", 0, map[int]int64{0: 80})
	require.NoError(t, p.Place(r))
	require.NoError(t, p.Commit(r, 30))

	assert.Equal(t, int64(50), p.Trim(r))
	assert.Equal(t, int64(70), p.Alloc.FreeKB("hd1"))

	chunks := r.Chunks
	p.Release(r)
	assert.Nil(t, r.Chunks)
	assert.True(t, chunks[0].Released())
	assert.Equal(t, int64(100), p.Alloc.FreeKB("hd1"))
}
