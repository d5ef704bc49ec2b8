package cache

import "strings"

// FamiliesVersion is bumped when the family key layout changes, so persisted
// snapshots from older layouts are discarded instead of misread.
const FamiliesVersion = 1

// ProjectsFamily covers the cross-project listing.
const ProjectsFamily Family = "projects"

// ProjectFamily returns the family covering a whole project.
func ProjectFamily(projectID string) Family {
	return Family("project:" + projectID)
}

// ListFamily returns the family for one resource collection inside a project.
func ListFamily(projectID, collection string) Family {
	return Family("project:" + projectID + ":" + collection)
}

// BelongsToProject reports whether a family is scoped to the given project.
func BelongsToProject(f Family, projectID string) bool {
	s := string(f)
	prefix := "project:" + projectID
	if s == prefix {
		return true
	}
	return strings.HasPrefix(s, prefix+":")
}

// Resolution is the cache effect of one invalidation event.
type Resolution struct {
	Families []Family
	// Forced requests an immediate refetch instead of lazy invalidation.
	// Membership views are visibly wrong when stale (a removed member still
	// rendered), so they refresh eagerly.
	Forced bool
}

// Resolve maps a resource type to the families an event touches.
// Unknown resource types degrade to a project-wide invalidation rather than
// being dropped.
func Resolve(projectID, resourceType string) Resolution {
	switch strings.ToLower(strings.TrimSpace(resourceType)) {
	case "task":
		return Resolution{Families: []Family{ListFamily(projectID, "tasks")}}
	case "sprint":
		return Resolution{Families: []Family{ListFamily(projectID, "sprints")}}
	case "message":
		return Resolution{Families: []Family{ListFamily(projectID, "messages")}}
	case "project":
		return Resolution{Families: []Family{ProjectsFamily, ProjectFamily(projectID)}}
	case "member", "membership":
		return Resolution{
			Families: []Family{ListFamily(projectID, "members")},
			Forced:   true,
		}
	default:
		return Resolution{Families: []Family{ProjectFamily(projectID)}}
	}
}
