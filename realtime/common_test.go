package realtime

import (
	"context"
	"sync"
	"time"
)

// stubDirectory in-memory MembershipSource and RoleSource for testing
type stubDirectory struct {
	lock       sync.Mutex
	members    map[int64][]int64
	privileged []int64
	memberErr  error
	roleErr    error
	calls      int
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{members: map[int64][]int64{}}
}

func (d *stubDirectory) MembersOf(_ context.Context, groupID int64) ([]int64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.calls++
	if d.memberErr != nil {
		return nil, d.memberErr
	}
	return append([]int64{}, d.members[groupID]...), nil
}

func (d *stubDirectory) UsersWithRole(_ context.Context, role string) ([]int64, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.roleErr != nil {
		return nil, d.roleErr
	}
	if role != RolePrivileged {
		return nil, nil
	}
	return append([]int64{}, d.privileged...), nil
}

func (d *stubDirectory) setMembers(groupID int64, userIDs ...int64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.members[groupID] = userIDs
}

func (d *stubDirectory) setPrivileged(userIDs ...int64) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.privileged = userIDs
}

func (d *stubDirectory) setErrors(memberErr, roleErr error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.memberErr = memberErr
	d.roleErr = roleErr
}

// readEvent read the next event from the channel, waiting at most timeout
func readEvent(events <-chan WireEvent, timeout time.Duration) (WireEvent, bool) {
	select {
	case event, ok := <-events:
		return event, ok
	case <-time.After(timeout):
		return WireEvent{}, false
	}
}

// readEventSkipHeartbeat read the next non-heartbeat event
func readEventSkipHeartbeat(events <-chan WireEvent, timeout time.Duration) (WireEvent, bool) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return WireEvent{}, false
		}
		event, ok := readEvent(events, remaining)
		if !ok || event.EventType != EventHeartbeat {
			return event, ok
		}
	}
}
