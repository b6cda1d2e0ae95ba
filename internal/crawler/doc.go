// Package crawler defines the domain types shared by the fetch drivers, the
// discovery and extraction engines, and the job queue: site profiles,
// discovered items, fetch results, extraction results, correlation context,
// error codes and the small collaborator interfaces the subsystems depend on.
package crawler
