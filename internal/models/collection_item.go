package models

// CollectionItem is one entry of a user's remote collection snapshot. It is
// not persisted here; the sync flow hands the fetched items to the backend
// sink for persistence.
type CollectionItem struct {
	ReleaseID  int64  `json:"release_id"`
	InstanceID int64  `json:"instance_id"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Year       int    `json:"year,omitempty"`
	Rating     int    `json:"rating,omitempty"`
	FolderID   int64  `json:"folder_id,omitempty"`
	AddedAt    string `json:"added_at,omitempty"`
}
