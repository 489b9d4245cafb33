package model

import "fmt"

// SourceSpec is the decoded form of a task's source configuration. Each
// variant carries exactly the fields its transport needs; the pipeline
// switches on the decoded value once instead of re-reading raw columns.
type SourceSpec interface {
	sourceSpec()
}

// DatabaseSource runs a resolved query against a database connection.
type DatabaseSource struct {
	ConnID int64
	Query  QuerySpec
}

// FileSource downloads a file over SMB, SFTP or FTP.
type FileSource struct {
	Kind            SourceKind
	ConnID          int64
	Path            string
	Delimiter       string
	IgnoreDelimiter bool
}

// SSHSource executes a resolved command on a remote host.
type SSHSource struct {
	ConnID  int64
	Command QuerySpec
}

func (DatabaseSource) sourceSpec() {}
func (FileSource) sourceSpec()     {}
func (SSHSource) sourceSpec()      {}

// QuerySpec is the decoded origin of a query or command text.
type QuerySpec struct {
	Origin QueryOrigin
	// one of, by Origin:
	GitURL     string
	URL        string
	Inline     string
	RemotePath string
	RemoteConn int64
}

// DecodeSource validates and decodes the task's source columns into a closed
// union. It is the only place raw source columns are interpreted.
func (t *Task) DecodeSource() (SourceSpec, error) {
	switch t.SourceKind {
	case SourceDatabase:
		if t.SourceConnID == nil {
			return nil, fmt.Errorf("task %d: database source has no connection", t.ID)
		}
		q, err := t.decodeQuery()
		if err != nil {
			return nil, err
		}
		return DatabaseSource{ConnID: *t.SourceConnID, Query: q}, nil

	case SourceSMB, SourceSFTP, SourceFTP:
		if t.SourceConnID == nil {
			return nil, fmt.Errorf("task %d: %s source has no connection", t.ID, t.SourceKind)
		}
		if t.SourceFilePath == "" {
			return nil, fmt.Errorf("task %d: %s source has no file path", t.ID, t.SourceKind)
		}
		return FileSource{
			Kind:            t.SourceKind,
			ConnID:          *t.SourceConnID,
			Path:            t.SourceFilePath,
			Delimiter:       t.SourceDelimiter,
			IgnoreDelimiter: t.IgnoreDelimiter,
		}, nil

	case SourceSSH:
		if t.SourceConnID == nil {
			return nil, fmt.Errorf("task %d: ssh source has no connection", t.ID)
		}
		q, err := t.decodeQuery()
		if err != nil {
			return nil, err
		}
		return SSHSource{ConnID: *t.SourceConnID, Command: q}, nil
	}

	return nil, fmt.Errorf("task %d: unknown source kind %q", t.ID, t.SourceKind)
}

func (t *Task) decodeQuery() (QuerySpec, error) {
	switch t.QueryOrigin {
	case OriginGit:
		if t.SourceGitURL == "" {
			return QuerySpec{}, fmt.Errorf("task %d: git query origin has no url", t.ID)
		}
		return QuerySpec{Origin: OriginGit, GitURL: t.SourceGitURL}, nil
	case OriginURL:
		if t.SourceURL == "" {
			return QuerySpec{}, fmt.Errorf("task %d: url query origin has no url", t.ID)
		}
		return QuerySpec{Origin: OriginURL, URL: t.SourceURL}, nil
	case OriginInline:
		return QuerySpec{Origin: OriginInline, Inline: t.SourceCode}, nil
	case OriginRemoteFile:
		if t.QueryConnID == nil {
			return QuerySpec{}, fmt.Errorf("task %d: remote-file query origin has no connection", t.ID)
		}
		return QuerySpec{Origin: OriginRemoteFile, RemotePath: t.SourceQueryFile, RemoteConn: *t.QueryConnID}, nil
	}
	return QuerySpec{}, fmt.Errorf("task %d: unknown query origin %q", t.ID, t.QueryOrigin)
}

// ProcessingSpec is the decoded processing configuration, nil when the task
// declares no processing step.
type ProcessingSpec struct {
	Origin   ProcessingOrigin
	ConnID   int64
	FilePath string
	GitURL   string
	URL      string
	Inline   string
	Command  string
}

func (t *Task) DecodeProcessing() (*ProcessingSpec, error) {
	if t.ProcessingOrigin == ProcessingNone {
		return nil, nil
	}

	spec := &ProcessingSpec{Origin: t.ProcessingOrigin, Command: t.ProcessingCommand}
	switch t.ProcessingOrigin {
	case ProcessingSMB, ProcessingSFTP, ProcessingFTP:
		if t.ProcessingConnID == nil {
			return nil, fmt.Errorf("task %d: %s processing has no connection", t.ID, t.ProcessingOrigin)
		}
		spec.ConnID = *t.ProcessingConnID
		spec.FilePath = t.ProcessingFilePath
	case ProcessingGit, ProcessingDevops:
		if t.ProcessingGitURL == "" {
			return nil, fmt.Errorf("task %d: %s processing has no url", t.ID, t.ProcessingOrigin)
		}
		spec.GitURL = t.ProcessingGitURL
	case ProcessingURL:
		if t.ProcessingURL == "" {
			return nil, fmt.Errorf("task %d: url processing has no url", t.ID)
		}
		spec.URL = t.ProcessingURL
	case ProcessingInline:
		spec.Inline = t.ProcessingCode
	default:
		return nil, fmt.Errorf("task %d: unknown processing origin %q", t.ID, t.ProcessingOrigin)
	}

	return spec, nil
}
