package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Directory is the user, role and group membership source
type Directory interface {
	// MembersOf fetch the user IDs of the group's current members
	MembersOf(ctxt context.Context, groupID int64) ([]int64, error)
	// UsersWithRole fetch the user IDs of every user holding the role
	UsersWithRole(ctxt context.Context, role string) ([]int64, error)
	// Exists whether the user is known
	Exists(ctxt context.Context, userID int64) (bool, error)

	// AddUser record a user with its roles, replacing any previous roles
	AddUser(ctxt context.Context, userID int64, roles ...string) error
	// AddMember add a known user to a group. The group is created if needed.
	AddMember(ctxt context.Context, groupID int64, userID int64) error
	// RemoveMember remove a user from a group
	RemoveMember(ctxt context.Context, groupID int64, userID int64) error
}

// memoryDirectory implements Directory in memory
type memoryDirectory struct {
	common.Component
	lock   sync.RWMutex
	users  map[int64]map[string]bool
	groups map[int64]map[int64]bool
}

// GetMemoryDirectory define a new in-memory Directory
func GetMemoryDirectory() Directory {
	return &memoryDirectory{
		Component: common.Component{
			LogTags: log.Fields{"module": "directory", "component": "memory"},
		},
		users:  make(map[int64]map[string]bool),
		groups: make(map[int64]map[int64]bool),
	}
}

func sortedIDs(set map[int64]bool) []int64 {
	result := make([]int64, 0, len(set))
	for id := range set {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// MembersOf fetch the user IDs of the group's current members
func (d *memoryDirectory) MembersOf(ctxt context.Context, groupID int64) ([]int64, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	return sortedIDs(d.groups[groupID]), nil
}

// UsersWithRole fetch the user IDs of every user holding the role
func (d *memoryDirectory) UsersWithRole(ctxt context.Context, role string) ([]int64, error) {
	if err := ctxt.Err(); err != nil {
		return nil, err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	holders := map[int64]bool{}
	for userID, roles := range d.users {
		if roles[role] {
			holders[userID] = true
		}
	}
	return sortedIDs(holders), nil
}

// Exists whether the user is known
func (d *memoryDirectory) Exists(ctxt context.Context, userID int64) (bool, error) {
	if err := ctxt.Err(); err != nil {
		return false, err
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.users[userID]
	return ok, nil
}

// AddUser record a user with its roles
func (d *memoryDirectory) AddUser(ctxt context.Context, userID int64, roles ...string) error {
	logTags, err := common.UpdateLogTags(ctxt, d.LogTags)
	if err != nil {
		return err
	}
	roleSet := make(map[string]bool, len(roles))
	for _, role := range roles {
		roleSet[role] = true
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.users[userID] = roleSet
	log.WithFields(logTags).Debugf("Recorded user %d with roles %v", userID, roles)
	return nil
}

// AddMember add a known user to a group
func (d *memoryDirectory) AddMember(ctxt context.Context, groupID int64, userID int64) error {
	logTags, err := common.UpdateLogTags(ctxt, d.LogTags)
	if err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.users[userID]; !ok {
		return fmt.Errorf("user %d does not exist", userID)
	}
	members, ok := d.groups[groupID]
	if !ok {
		members = map[int64]bool{}
		d.groups[groupID] = members
	}
	members[userID] = true
	log.WithFields(logTags).Debugf("Added user %d to group %d", userID, groupID)
	return nil
}

// RemoveMember remove a user from a group
func (d *memoryDirectory) RemoveMember(ctxt context.Context, groupID int64, userID int64) error {
	logTags, err := common.UpdateLogTags(ctxt, d.LogTags)
	if err != nil {
		return err
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	members, ok := d.groups[groupID]
	if !ok || !members[userID] {
		return fmt.Errorf("user %d is not a member of group %d", userID, groupID)
	}
	delete(members, userID)
	log.WithFields(logTags).Debugf("Removed user %d from group %d", userID, groupID)
	return nil
}

// ===============================================================================
// Seed file

// SeedUser a user entry of the seed file
type SeedUser struct {
	ID    int64    `mapstructure:"id" validate:"required"`
	Roles []string `mapstructure:"roles"`
}

// SeedGroup a group entry of the seed file
type SeedGroup struct {
	ID      int64   `mapstructure:"id" validate:"required"`
	Members []int64 `mapstructure:"members"`
}

// Seed is the initial content of a directory
type Seed struct {
	Users  []SeedUser  `mapstructure:"users" validate:"dive"`
	Groups []SeedGroup `mapstructure:"groups" validate:"dive"`
}

// ReadSeedFile parse and validate a YAML seed file
func ReadSeedFile(seedFile string) (Seed, error) {
	var seed Seed
	reader := viper.New()
	reader.SetConfigFile(seedFile)
	if err := reader.ReadInConfig(); err != nil {
		return seed, fmt.Errorf("unable to read seed file %s: %w", seedFile, err)
	}
	if err := reader.Unmarshal(&seed); err != nil {
		return seed, fmt.Errorf("unable to parse seed file %s: %w", seedFile, err)
	}
	if err := validator.New().Struct(&seed); err != nil {
		return seed, fmt.Errorf("invalid seed file %s: %w", seedFile, err)
	}
	return seed, nil
}

// Load add the seed content to the directory
func Load(ctxt context.Context, target Directory, seed Seed) error {
	for _, user := range seed.Users {
		if err := target.AddUser(ctxt, user.ID, user.Roles...); err != nil {
			return err
		}
	}
	for _, group := range seed.Groups {
		for _, member := range group.Members {
			if err := target.AddMember(ctxt, group.ID, member); err != nil {
				return fmt.Errorf("group %d: %w", group.ID, err)
			}
		}
	}
	return nil
}

// DefineDirectoryFromConfig helper function to build the directory and load the
// seed file, if one is configured
func DefineDirectoryFromConfig(ctxt context.Context, config common.DirectoryConfig) (Directory, error) {
	logTags := log.Fields{"module": "directory", "component": "setup"}
	instance := GetMemoryDirectory()
	if config.SeedFile == "" {
		log.WithFields(logTags).Info("No seed file, directory starts empty")
		return instance, nil
	}
	seed, err := ReadSeedFile(config.SeedFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read seed file")
		return nil, err
	}
	if err := Load(ctxt, instance, seed); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to load seed file")
		return nil, err
	}
	log.WithFields(logTags).Infof(
		"Loaded %d users and %d groups from %s", len(seed.Users), len(seed.Groups), config.SeedFile,
	)
	return instance, nil
}
