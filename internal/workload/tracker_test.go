package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaops/sopflow/pkg/schema"
)

func techRole() *schema.RoleDefinition {
	return &schema.RoleDefinition{
		ID:    "maintenance_tech",
		Users: []string{"sam", "alex"},
	}
}

func TestAssignPicksLeastLoadedUser(t *testing.T) {
	tr := NewTracker()
	role := techRole()

	first := tr.Assign(role)
	second := tr.Assign(role)

	assert.NotEqual(t, first, second, "two assignments spread across both users")
	assert.ElementsMatch(t, []string{"sam", "alex"}, []string{first, second})
	assert.Equal(t, 2, tr.ActiveCount("maintenance_tech"))

	// Free one user; the next assignment lands on them.
	tr.Release("maintenance_tech", first)
	assert.Equal(t, first, tr.Assign(role))
}

func TestAssignWithoutUsersCountsRoleOnly(t *testing.T) {
	tr := NewTracker()
	role := &schema.RoleDefinition{ID: "regional_director"}

	assert.Empty(t, tr.Assign(role))
	assert.Equal(t, 1, tr.ActiveCount("regional_director"))
	assert.Empty(t, tr.UserSnapshot("regional_director"))
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	tr := NewTracker()
	role := techRole()

	user := tr.Assign(role)
	tr.Release("maintenance_tech", user)
	tr.Release("maintenance_tech", user)
	tr.Release("maintenance_tech", user)

	assert.Zero(t, tr.ActiveCount("maintenance_tech"))
	for _, load := range tr.UserSnapshot("maintenance_tech") {
		assert.Zero(t, load.ActiveStepCount)
	}
}

func TestSnapshotReflectsCounts(t *testing.T) {
	tr := NewTracker()
	tr.Assign(techRole())
	tr.Assign(techRole())
	tr.Assign(&schema.RoleDefinition{ID: "property_manager", Users: []string{"morgan"}})

	byRole := map[string]int{}
	for _, e := range tr.Snapshot() {
		byRole[e.Role] = e.ActiveStepCount
	}
	assert.Equal(t, 2, byRole["maintenance_tech"])
	assert.Equal(t, 1, byRole["property_manager"])
}

func TestUserSnapshot(t *testing.T) {
	tr := NewTracker()
	role := techRole()
	tr.Assign(role)
	tr.Assign(role)
	tr.Assign(role)

	loads := tr.UserSnapshot("maintenance_tech")
	require.Len(t, loads, 2)

	total := 0
	for _, l := range loads {
		total += l.ActiveStepCount
		assert.False(t, l.LastAssignedAt.IsZero())
	}
	assert.Equal(t, 3, total)
}
