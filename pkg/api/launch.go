package api

import "time"

// ActionReference names an action a job uses, as written in the workflow.
type ActionReference struct {
	NameWithOwner string `json:"nameWithOwner"`
	Ref           string `json:"ref"`
	Path          string `json:"path,omitempty"`
}

// Key identifies the reference within an ActionDownloadInfoCollection.
func (r ActionReference) Key() string {
	return r.NameWithOwner + "@" + r.Ref
}

type ActionReferenceList struct {
	Actions []ActionReference `json:"actions"`
}

type ActionDownloadAuthentication struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type ActionDownloadInfo struct {
	NameWithOwner         string                        `json:"nameWithOwner"`
	ResolvedNameWithOwner string                        `json:"resolvedNameWithOwner"`
	ResolvedSha           string                        `json:"resolvedSha"`
	TarballUrl            string                        `json:"tarballUrl"`
	ZipballUrl            string                        `json:"zipballUrl"`
	Authentication        *ActionDownloadAuthentication `json:"authentication,omitempty"`
}

type ActionDownloadInfoCollection struct {
	Actions map[string]ActionDownloadInfo `json:"actions"`
}
