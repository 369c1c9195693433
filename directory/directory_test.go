package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemoryDirectory(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetMemoryDirectory()
	utCtxt := context.Background()

	// Case 0: empty directory
	{
		members, err := uut.MembersOf(utCtxt, 1)
		assert.Nil(err)
		assert.Empty(members)
		exists, err := uut.Exists(utCtxt, 1)
		assert.Nil(err)
		assert.False(exists)
	}

	// Case 1: unknown user can't join a group
	{
		assert.NotNil(uut.AddMember(utCtxt, 1, 5))
	}

	// Case 2: users and roles
	{
		assert.Nil(uut.AddUser(utCtxt, 1))
		assert.Nil(uut.AddUser(utCtxt, 7, "USER"))
		assert.Nil(uut.AddUser(utCtxt, 10, "ADMIN", "USER"))
		assert.Nil(uut.AddUser(utCtxt, 3, "ADMIN"))
		exists, err := uut.Exists(utCtxt, 7)
		assert.Nil(err)
		assert.True(exists)
		admins, err := uut.UsersWithRole(utCtxt, "ADMIN")
		assert.Nil(err)
		assert.Equal([]int64{3, 10}, admins)
	}

	// Case 3: membership
	{
		assert.Nil(uut.AddMember(utCtxt, 42, 7))
		assert.Nil(uut.AddMember(utCtxt, 42, 1))
		assert.Nil(uut.AddMember(utCtxt, 42, 1))
		members, err := uut.MembersOf(utCtxt, 42)
		assert.Nil(err)
		assert.Equal([]int64{1, 7}, members)
		assert.Nil(uut.RemoveMember(utCtxt, 42, 7))
		assert.NotNil(uut.RemoveMember(utCtxt, 42, 7))
		members, err = uut.MembersOf(utCtxt, 42)
		assert.Nil(err)
		assert.Equal([]int64{1}, members)
	}

	// Case 4: role change
	{
		assert.Nil(uut.AddUser(utCtxt, 3, "USER"))
		admins, err := uut.UsersWithRole(utCtxt, "ADMIN")
		assert.Nil(err)
		assert.Equal([]int64{10}, admins)
	}

	// Case 5: cancelled context
	{
		ctxt, cancel := context.WithCancel(utCtxt)
		cancel()
		_, err := uut.MembersOf(ctxt, 42)
		assert.NotNil(err)
		_, err = uut.UsersWithRole(ctxt, "ADMIN")
		assert.NotNil(err)
	}
}

func TestDirectorySeedFile(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt := context.Background()
	dir := t.TempDir()

	writeSeed := func(content string) string {
		seedFile := filepath.Join(dir, fmt.Sprintf("%s.yaml", uuid.NewString()))
		assert.Nil(os.WriteFile(seedFile, []byte(content), 0600))
		return seedFile
	}

	// Case 0: no seed file
	{
		uut, err := DefineDirectoryFromConfig(utCtxt, common.DirectoryConfig{})
		assert.Nil(err)
		admins, err := uut.UsersWithRole(utCtxt, "ADMIN")
		assert.Nil(err)
		assert.Empty(admins)
	}

	// Case 1: valid seed file
	{
		seedFile := writeSeed(`
users:
  - id: 1
  - id: 7
    roles: [USER]
  - id: 10
    roles: [ADMIN]
groups:
  - id: 42
    members: [1, 7]
`)
		uut, err := DefineDirectoryFromConfig(utCtxt, common.DirectoryConfig{SeedFile: seedFile})
		assert.Nil(err)
		members, err := uut.MembersOf(utCtxt, 42)
		assert.Nil(err)
		assert.Equal([]int64{1, 7}, members)
		admins, err := uut.UsersWithRole(utCtxt, "ADMIN")
		assert.Nil(err)
		assert.Equal([]int64{10}, admins)
	}

	// Case 2: member not listed as user
	{
		seedFile := writeSeed(`
users:
  - id: 1
groups:
  - id: 42
    members: [1, 7]
`)
		_, err := DefineDirectoryFromConfig(utCtxt, common.DirectoryConfig{SeedFile: seedFile})
		assert.NotNil(err)
	}

	// Case 3: entry without ID
	{
		seedFile := writeSeed(`
users:
  - roles: [ADMIN]
`)
		_, err := ReadSeedFile(seedFile)
		assert.NotNil(err)
	}

	// Case 4: missing file
	{
		_, err := ReadSeedFile(filepath.Join(dir, "missing.yaml"))
		assert.NotNil(err)
	}
}
