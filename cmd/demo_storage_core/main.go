package main

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/zhukovaskychina/xstorage-engine/conf"
	"github.com/zhukovaskychina/xstorage-engine/manager"
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

func main() {
	fmt.Println("=== Storage Core Demo ===")

	base, err := os.MkdirTemp("", "xstorage-demo")
	if err != nil {
		fmt.Printf("ERROR: create temp dir: %v\n", err)
		return
	}
	defer os.RemoveAll(base)

	cfg := conf.NewCfg()
	cfg.ResolvePaths(base)

	engine, err := manager.NewStorageEngine(cfg)
	if err != nil {
		fmt.Printf("ERROR: start engine: %v\n", err)
		return
	}
	defer engine.Close()

	fmt.Println("\n1. Testing insert and commit...")
	ref := testInsertCommit(engine)

	fmt.Println("\n2. Testing snapshot isolation...")
	testSnapshotIsolation(engine, ref)

	fmt.Println("\n3. Testing rollback...")
	testRollback(engine, ref)

	fmt.Println("\n4. Testing overflow values...")
	testOverflow(engine)

	fmt.Println("\n5. Testing concurrent writers...")
	testConcurrentWriters(engine)

	fmt.Println("\n6. Testing checkpoint...")
	testCheckpoint(engine)

	fmt.Printf("\n=== Demo completed ===\n")
	fmt.Printf("trx stats:  %+v\n", engine.TrxStats())
	fmt.Printf("lock stats: %+v\n", engine.LockStats())
	fmt.Printf("pool stats: %v\n", engine.PoolStats())
	fmt.Printf("log stats:  %+v\n", engine.LogStats())
}

func testInsertCommit(engine *manager.StorageEngine) common.RowRef {
	trx, _ := engine.BeginTransaction(common.RepeatableRead)
	ref, err := engine.InsertRow(trx, []byte("account:alice balance:100"))
	if err != nil {
		fmt.Printf("ERROR: insert: %v\n", err)
		return ref
	}
	if err := engine.Commit(trx); err != nil {
		fmt.Printf("ERROR: commit: %v\n", err)
		return ref
	}

	check, _ := engine.BeginTransaction(common.ReadCommitted)
	got, err := engine.FetchVisible(check, ref)
	engine.Commit(check)
	if err != nil || !bytes.Contains(got, []byte("alice")) {
		fmt.Printf("ERROR: fetch after commit: %v\n", err)
		return ref
	}
	fmt.Println("✓ insert/commit/fetch passed")
	return ref
}

func testSnapshotIsolation(engine *manager.StorageEngine, ref common.RowRef) {
	rr, _ := engine.BeginTransaction(common.RepeatableRead)
	before, _ := engine.FetchVisible(rr, ref)

	writer, _ := engine.BeginTransaction(common.ReadCommitted)
	if err := engine.UpdateRow(writer, ref, []byte("account:alice balance:50")); err != nil {
		fmt.Printf("ERROR: update: %v\n", err)
		return
	}
	engine.Commit(writer)

	after, _ := engine.FetchVisible(rr, ref)
	engine.Commit(rr)
	if !bytes.Equal(before, after) {
		fmt.Println("ERROR: repeatable read saw a concurrent update")
		return
	}

	rc, _ := engine.BeginTransaction(common.ReadCommitted)
	latest, _ := engine.FetchVisible(rc, ref)
	engine.Commit(rc)
	if !bytes.Contains(latest, []byte("balance:50")) {
		fmt.Println("ERROR: read committed missed the update")
		return
	}
	fmt.Println("✓ snapshot isolation passed")
}

func testRollback(engine *manager.StorageEngine, ref common.RowRef) {
	trx, _ := engine.BeginTransaction(common.RepeatableRead)
	if err := engine.UpdateRow(trx, ref, []byte("scribble")); err != nil {
		fmt.Printf("ERROR: update: %v\n", err)
		return
	}
	if err := engine.Abort(trx); err != nil {
		fmt.Printf("ERROR: abort: %v\n", err)
		return
	}

	check, _ := engine.BeginTransaction(common.ReadCommitted)
	got, err := engine.FetchVisible(check, ref)
	engine.Commit(check)
	if err != nil || bytes.Equal(got, []byte("scribble")) {
		fmt.Println("ERROR: rollback left the update visible")
		return
	}
	fmt.Println("✓ rollback passed")
}

func testOverflow(engine *manager.StorageEngine) {
	large := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB

	trx, _ := engine.BeginTransaction(common.ReadCommitted)
	ref, err := engine.InsertRow(trx, large)
	if err != nil {
		fmt.Printf("ERROR: insert large value: %v\n", err)
		return
	}
	got, err := engine.FetchVisible(trx, ref)
	engine.Commit(trx)
	if err != nil || !bytes.Equal(got, large) {
		fmt.Printf("ERROR: large value roundtrip: %v\n", err)
		return
	}
	fmt.Printf("✓ overflow passed (%d bytes out of line)\n", len(large))
}

func testConcurrentWriters(engine *manager.StorageEngine) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	conflicts := 0

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			trx, err := engine.BeginTransaction(common.ReadCommitted)
			if err != nil {
				return
			}
			payload := []byte(fmt.Sprintf("worker-%d", n))
			if _, err := engine.InsertRow(trx, payload); err != nil {
				if common.IsRetryable(err) {
					mu.Lock()
					conflicts++
					mu.Unlock()
				}
				engine.Abort(trx)
				return
			}
			engine.Commit(trx)
		}(i)
	}
	wg.Wait()
	fmt.Printf("✓ concurrent writers passed (%d retryable conflicts)\n", conflicts)
}

func testCheckpoint(engine *manager.StorageEngine) {
	lsn, err := engine.Checkpoint()
	if err != nil {
		fmt.Printf("ERROR: checkpoint: %v\n", err)
		return
	}
	fmt.Printf("✓ checkpoint passed (record lsn %d)\n", lsn)
}
