package realtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
)

// RolePrivileged is the role whose holders observe the events of every group
const RolePrivileged = "ADMIN"

// MembershipSource provides the current members of a group
type MembershipSource interface {
	// MembersOf fetch the user IDs of the group's current members
	MembersOf(ctxt context.Context, groupID int64) ([]int64, error)
}

// RoleSource provides the users holding a role
type RoleSource interface {
	// UsersWithRole fetch the user IDs of every user holding the role
	UsersWithRole(ctxt context.Context, role string) ([]int64, error)
}

// RecipientSet is a set of user IDs
type RecipientSet map[int64]struct{}

// Add add user IDs to the set
func (s RecipientSet) Add(userIDs ...int64) {
	for _, userID := range userIDs {
		s[userID] = struct{}{}
	}
}

// Contains whether the user is in the set
func (s RecipientSet) Contains(userID int64) bool {
	_, ok := s[userID]
	return ok
}

// Sorted the user IDs in ascending order
func (s RecipientSet) Sorted() []int64 {
	result := make([]int64, 0, len(s))
	for userID := range s {
		result = append(result, userID)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// FanoutResolver computes the recipients of a group event
type FanoutResolver interface {
	// Resolve compute the union of the group's members and every privileged user.
	// The result is always fetched fresh from the sources.
	Resolve(ctxt context.Context, groupID int64) (RecipientSet, error)
}

// fanoutResolverImpl implements FanoutResolver
type fanoutResolverImpl struct {
	common.Component
	members      MembershipSource
	roles        RoleSource
	queryTimeout time.Duration
}

// GetFanoutResolver define a new FanoutResolver
//
// queryTimeout bounds each of the two source queries.
func GetFanoutResolver(
	members MembershipSource, roles RoleSource, queryTimeout time.Duration,
) (FanoutResolver, error) {
	if members == nil || roles == nil {
		return nil, fmt.Errorf("fan-out resolver requires both membership and role sources")
	}
	if queryTimeout <= 0 {
		return nil, fmt.Errorf("invalid resolver query timeout %s", queryTimeout)
	}
	logTags := log.Fields{"module": "realtime", "component": "fanout-resolver"}
	return &fanoutResolverImpl{
		Component:    common.Component{LogTags: logTags},
		members:      members,
		roles:        roles,
		queryTimeout: queryTimeout,
	}, nil
}

// Resolve compute the union of the group's members and every privileged user
func (r *fanoutResolverImpl) Resolve(ctxt context.Context, groupID int64) (RecipientSet, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, r.LogTags)
	if err != nil {
		return nil, err
	}
	localLogTags["group_id"] = groupID

	var memberIDs, privilegedIDs []int64
	{
		useContext, cancel := context.WithTimeout(ctxt, r.queryTimeout)
		memberIDs, err = r.members.MembersOf(useContext, groupID)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Membership query failed")
			return nil, fmt.Errorf("members of group %d: %w", groupID, err)
		}
	}
	{
		useContext, cancel := context.WithTimeout(ctxt, r.queryTimeout)
		privilegedIDs, err = r.roles.UsersWithRole(useContext, RolePrivileged)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Privileged user query failed")
			return nil, fmt.Errorf("users with role %s: %w", RolePrivileged, err)
		}
	}

	recipients := RecipientSet{}
	recipients.Add(memberIDs...)
	recipients.Add(privilegedIDs...)
	log.WithFields(localLogTags).Debugf(
		"Found %d total recipients (%d members + %d privileged)",
		len(recipients), len(memberIDs), len(privilegedIDs),
	)
	return recipients, nil
}
