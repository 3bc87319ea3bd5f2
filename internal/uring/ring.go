package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ring owns one kernel ring instance: the submission queue, the completion
// queue, and the mmap'd memory backing both. It is not safe for concurrent
// submission from more than one goroutine; completions may be reaped
// concurrently with submission by the same owning worker only (the driver
// above this package enforces single-owner access per spec.md's "each
// worker owns its driver").
type Ring struct {
	fd     int
	p      params
	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead    *uint32
	sqTail    *uint32
	sqMask    uint32
	sqArray   []uint32
	sqes      []SQE
	sqeFilled uint32 // number of SQEs prepared but not yet in the array

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []CQE
}

// Entries returns the submission ring's entry count (as requested at setup).
func (r *Ring) Entries() uint32 { return r.p.SQEntries }

// New creates a ring with the given submission-queue entry count and setup
// flags (SetupSQPoll, SetupSingleIssuer, ...).
func New(entries uint32, flags uint32) (*Ring, error) {
	p := params{SQEntries: entries, Flags: flags}

	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("uring: io_uring_setup: %w", errno)
	}

	r := &Ring{fd: int(fd), p: p}
	if err := r.mapRings(); err != nil {
		unix.Close(int(fd))
		return nil, err
	}
	return r, nil
}

func (r *Ring) mapRings() error {
	sqRingSize := int(r.p.SQOff.Array + r.p.SQEntries*4)
	cqRingSize := int(r.p.CQOff.Cqes + r.p.CQEntries*uint32(CQESize))
	sqeSize := int(uintptr(r.p.SQEntries) * SQESize)

	sqMem, err := unix.Mmap(r.fd, offSQRing, sqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("uring: mmap sq ring: %w", err)
	}
	cqMem, err := unix.Mmap(r.fd, offCQRing, cqRingSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		return fmt.Errorf("uring: mmap cq ring: %w", err)
	}
	sqeMem, err := unix.Mmap(r.fd, offSQEs, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		unix.Munmap(sqMem)
		unix.Munmap(cqMem)
		return fmt.Errorf("uring: mmap sqes: %w", err)
	}

	r.sqMem, r.cqMem, r.sqeMem = sqMem, cqMem, sqeMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, r.p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(base, r.p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, r.p.SQOff.RingMask))
	arrPtr := unsafe.Add(base, r.p.SQOff.Array)
	r.sqArray = unsafe.Slice((*uint32)(arrPtr), r.p.SQEntries)

	sqePtr := unsafe.Pointer(&sqeMem[0])
	r.sqes = unsafe.Slice((*SQE)(sqePtr), r.p.SQEntries)

	cqBase := unsafe.Pointer(&cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, r.p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, r.p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, r.p.CQOff.RingMask))
	cqesPtr := unsafe.Add(cqBase, r.p.CQOff.Cqes)
	r.cqes = unsafe.Slice((*CQE)(cqesPtr), r.p.CQEntries)

	return nil
}

// Close unmaps ring memory and closes the ring fd.
func (r *Ring) Close() error {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
	}
	if r.cqMem != nil {
		unix.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
	}
	return unix.Close(r.fd)
}

// GetSQE returns a pointer to the next free submission queue entry, or nil
// if the ring's submission queue is currently full (spec.md's waiting-list
// fallback path).
func (r *Ring) GetSQE() *SQE {
	head := atomic.LoadUint32(r.sqHead)
	tail := *r.sqTail // only the owning goroutine advances tail
	if tail-head >= r.p.SQEntries {
		return nil
	}
	idx := tail & r.sqMask
	sqe := &r.sqes[idx]
	*sqe = SQE{}
	r.sqArray[idx] = idx
	*r.sqTail = tail + 1
	r.sqeFilled++
	return sqe
}

// Submit flushes prepared SQEs to the kernel without waiting for any
// completion.
func (r *Ring) Submit() (uint32, error) {
	return r.enter(0, 0)
}

// SubmitAndWait flushes prepared SQEs and blocks until at least
// minComplete completions are available.
func (r *Ring) SubmitAndWait(minComplete uint32) (uint32, error) {
	return r.enter(minComplete, EnterGetEvents)
}

func (r *Ring) enter(minComplete uint32, flags uint32) (uint32, error) {
	atomic.StoreUint32(r.sqTail, *r.sqTail) // publish the tail write (release)
	toSubmit := r.sqeFilled
	r.sqeFilled = 0

	n, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER,
		uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("uring: io_uring_enter: %w", errno)
	}
	return uint32(n), nil
}

// PeekBatchCQE copies up to len(out) ready completions into out without
// blocking and returns the number copied. The completion cursor is NOT
// advanced; call CQAdvance once the caller has consumed them.
func (r *Ring) PeekBatchCQE(out []CQE) int {
	head := *r.cqHead
	tail := atomic.LoadUint32(r.cqTail)
	avail := tail - head
	n := uint32(len(out))
	if avail < n {
		n = avail
	}
	for i := uint32(0); i < n; i++ {
		out[i] = r.cqes[(head+i)&r.cqMask]
	}
	return int(n)
}

// CQAdvance releases the first n completions back to the kernel.
func (r *Ring) CQAdvance(n uint32) {
	atomic.StoreUint32(r.cqHead, *r.cqHead+n)
}

// WaitCQE blocks until at least one completion is available and returns
// it, advancing the completion cursor past it.
func (r *Ring) WaitCQE() (CQE, error) {
	for {
		var one [1]CQE
		if n := r.PeekBatchCQE(one[:]); n == 1 {
			r.CQAdvance(1)
			return one[0], nil
		}
		if _, err := r.enter(1, EnterGetEvents); err != nil {
			return CQE{}, err
		}
	}
}

// SQReady reports the number of SQEs prepared but not yet submitted.
func (r *Ring) SQReady() uint32 { return r.sqeFilled }

// PrepRead prepares a pread-equivalent SQE.
func PrepRead(sqe *SQE, fd int, buf []byte, offset uint64, userData uint64) {
	sqe.Opcode = OpRead
	sqe.Fd = int32(fd)
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	sqe.Len = uint32(len(buf))
	sqe.Off = offset
	sqe.UserData = userData
}

// PrepWrite prepares a pwrite-equivalent SQE.
func PrepWrite(sqe *SQE, fd int, buf []byte, offset uint64, userData uint64) {
	sqe.Opcode = OpWrite
	sqe.Fd = int32(fd)
	if len(buf) > 0 {
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	sqe.Len = uint32(len(buf))
	sqe.Off = offset
	sqe.UserData = userData
}

// PrepTimeout prepares a relative timeout SQE from a kernel timespec
// pointer (caller owns ts's lifetime until completion).
func PrepTimeout(sqe *SQE, ts *unix.Timespec, userData uint64) {
	sqe.Opcode = OpTimeout
	sqe.Fd = -1
	sqe.Addr = uint64(uintptr(unsafe.Pointer(ts)))
	sqe.Len = 1
	sqe.UserData = userData
}

// PrepAsyncCancel prepares a cancellation of the in-flight operation whose
// user-data is targetUserData.
func PrepAsyncCancel(sqe *SQE, targetUserData uint64, userData uint64) {
	sqe.Opcode = OpAsyncCancel
	sqe.Fd = -1
	sqe.Addr = targetUserData
	sqe.UserData = userData
}

// PrepReadFd is a convenience used by the wake-up read: an 8-byte read of
// the eventfd counter into buf, submitted with the reserved user-data 0,
// re-arms the eventfd watch.
func PrepReadFd(sqe *SQE, fd int, buf *uint64, userData uint64) {
	sqe.Opcode = OpRead
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(buf)))
	sqe.Len = 8
	sqe.UserData = userData
}
