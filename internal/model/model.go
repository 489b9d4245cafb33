package model

import (
	"time"
)

// Project groups tasks and owns their trigger definition. Any subset of the
// cron, interval and one-off triggers may be active at the same time, each
// producing an independent schedule.
type Project struct {
	ID   int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;type:varchar(120);not null"`

	Cron      bool       `gorm:"column:cron;default:false"`
	CronExpr  string     `gorm:"column:cron_expr;type:varchar(120)"`
	CronStart *time.Time `gorm:"column:cron_start"`
	CronEnd   *time.Time `gorm:"column:cron_end"`

	Interval      bool       `gorm:"column:intv;default:false"`
	IntervalValue int        `gorm:"column:intv_value"`
	IntervalUnit  string     `gorm:"column:intv_unit;type:varchar(1)"` // w d h m s
	IntervalStart *time.Time `gorm:"column:intv_start"`
	IntervalEnd   *time.Time `gorm:"column:intv_end"`

	OneOff   bool       `gorm:"column:ooff;default:false"`
	OneOffAt *time.Time `gorm:"column:ooff_date"`

	// When set, tasks in this project run one at a time in rank order.
	SequenceTasks bool `gorm:"column:sequence_tasks;default:false"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Task is the unit of execution.
type Task struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ProjectID int64  `gorm:"column:project_id;index;not null"`
	Name      string `gorm:"column:name;type:varchar(120);not null"`

	Enabled bool       `gorm:"column:enabled;default:false"`
	Rank    int        `gorm:"column:rank;default:0"`
	Status  TaskStatus `gorm:"column:status;type:varchar(20)"`

	LastRun      *time.Time `gorm:"column:last_run"`
	LastRunJobID *string    `gorm:"column:last_run_job_id;type:varchar(40)"`
	NextRun      *time.Time `gorm:"column:next_run"`
	EstDuration  *int64     `gorm:"column:est_duration"` // seconds
	MaxRetries   int        `gorm:"column:max_retries;default:0"`

	// source configuration
	SourceKind       SourceKind  `gorm:"column:source_kind;type:varchar(20)"`
	SourceConnID     *int64      `gorm:"column:source_conn_id"` // file/ssh/database sub-connection id
	QueryOrigin      QueryOrigin `gorm:"column:query_origin;type:varchar(20)"`
	SourceGitURL     string      `gorm:"column:source_git;type:text"`
	SourceURL        string      `gorm:"column:source_url;type:text"`
	SourceCode       string      `gorm:"column:source_code;type:text"`
	SourceQueryFile  string      `gorm:"column:source_query_file;type:text"`
	QueryConnID      *int64      `gorm:"column:query_conn_id"` // SMB share holding the query file
	SourceFilePath   string      `gorm:"column:source_file_path;type:text"`
	SourceDelimiter  string      `gorm:"column:source_delimiter;type:varchar(4)"`
	IgnoreDelimiter  bool        `gorm:"column:source_ignore_delimiter;default:false"`
	EnableSourceCache bool       `gorm:"column:enable_source_cache;default:false"`
	SourceCache      string      `gorm:"column:source_cache;type:text"`

	// processing configuration
	ProcessingOrigin   ProcessingOrigin `gorm:"column:processing_origin;type:varchar(20)"`
	ProcessingConnID   *int64           `gorm:"column:processing_conn_id"`
	ProcessingFilePath string           `gorm:"column:processing_file_path;type:text"`
	ProcessingGitURL   string           `gorm:"column:processing_git;type:text"`
	ProcessingURL      string           `gorm:"column:processing_url;type:text"`
	ProcessingCode     string           `gorm:"column:processing_code;type:text"`
	ProcessingCommand  string           `gorm:"column:processing_command;type:text"`

	// destination configuration
	DestFileName        string `gorm:"column:destination_file_name;type:text"`
	DestFileDelimiter   string `gorm:"column:destination_file_delimiter;type:varchar(4)"`
	DestIgnoreDelimiter bool   `gorm:"column:destination_ignore_delimiter;default:false"`
	DestQuoteFields     bool   `gorm:"column:destination_quote_fields;default:false"`
	DestCreateZip       bool   `gorm:"column:destination_create_zip;default:false"`
	DestZipName         string `gorm:"column:destination_zip_name;type:text"`
	DestGpgEncrypt      bool   `gorm:"column:destination_gpg;default:false"`
	DestGpgConnID       *int64 `gorm:"column:destination_gpg_conn_id"`

	DestSFTP          bool   `gorm:"column:destination_sftp;default:false"`
	DestSFTPConnID    *int64 `gorm:"column:destination_sftp_conn_id"`
	DestSFTPOverwrite bool   `gorm:"column:destination_sftp_overwrite;default:false"`
	DestSFTPSkipEmpty bool   `gorm:"column:destination_sftp_skip_empty;default:false"`

	DestFTP          bool   `gorm:"column:destination_ftp;default:false"`
	DestFTPConnID    *int64 `gorm:"column:destination_ftp_conn_id"`
	DestFTPOverwrite bool   `gorm:"column:destination_ftp_overwrite;default:false"`
	DestFTPSkipEmpty bool   `gorm:"column:destination_ftp_skip_empty;default:false"`

	DestSMB          bool   `gorm:"column:destination_smb;default:false"`
	DestSMBConnID    *int64 `gorm:"column:destination_smb_conn_id"`
	DestSMBOverwrite bool   `gorm:"column:destination_smb_overwrite;default:false"`
	DestSMBSkipEmpty bool   `gorm:"column:destination_smb_skip_empty;default:false"`

	// email configuration
	EmailCompletion           bool   `gorm:"column:email_completion;default:false"`
	EmailCompletionRecipients string `gorm:"column:email_completion_recipients;type:text"`
	EmailCompletionAttach     bool   `gorm:"column:email_completion_attach;default:false"`
	EmailCompletionEmbed      bool   `gorm:"column:email_completion_embed;default:false"`
	EmailSkipEmpty            bool   `gorm:"column:email_skip_empty;default:false"`
	EmailSuccessSubject       string `gorm:"column:email_success_subject;type:text"`
	EmailError                bool   `gorm:"column:email_error;default:false"`
	EmailErrorRecipients      string `gorm:"column:email_error_recipients;type:text"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Connection is an address-book entry grouping typed sub-connections.
type Connection struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name    string `gorm:"column:name;type:varchar(120);not null"`
	Address string `gorm:"column:address;type:text"`
	Contact string `gorm:"column:contact;type:text"`
}

type ConnectionDatabase struct {
	ID           int64        `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64        `gorm:"column:connection_id;index;not null"`
	Name         string       `gorm:"column:name;type:varchar(120)"`
	Kind         DatabaseKind `gorm:"column:kind;type:varchar(20)"`
	// DSN, encrypted at rest.
	ConnectionString string `gorm:"column:connection_string;type:text"`
}

type ConnectionSFTP struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index;not null"`
	Name         string `gorm:"column:name;type:varchar(120)"`
	Address      string `gorm:"column:address;type:varchar(255)"`
	Port         int    `gorm:"column:port;default:22"`
	Path         string `gorm:"column:path;type:text"`
	Username     string `gorm:"column:username;type:varchar(120)"`
	Password     string `gorm:"column:password;type:text"` // encrypted
	PrivateKey   string `gorm:"column:private_key;type:text"` // encrypted
}

type ConnectionFTP struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index;not null"`
	Name         string `gorm:"column:name;type:varchar(120)"`
	Address      string `gorm:"column:address;type:varchar(255)"`
	Path         string `gorm:"column:path;type:text"`
	Username     string `gorm:"column:username;type:varchar(120)"`
	Password     string `gorm:"column:password;type:text"` // encrypted
}

type ConnectionSMB struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index;not null"`
	Name         string `gorm:"column:name;type:varchar(120)"`
	ServerName   string `gorm:"column:server_name;type:varchar(255)"`
	ServerIP     string `gorm:"column:server_ip;type:varchar(64)"`
	Share        string `gorm:"column:share;type:varchar(255)"`
	Path         string `gorm:"column:path;type:text"`
	Username     string `gorm:"column:username;type:varchar(120)"`
	Password     string `gorm:"column:password;type:text"` // encrypted
}

type ConnectionSSH struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index;not null"`
	Name         string `gorm:"column:name;type:varchar(120)"`
	Address      string `gorm:"column:address;type:varchar(255)"`
	Port         int    `gorm:"column:port;default:22"`
	Username     string `gorm:"column:username;type:varchar(120)"`
	Password     string `gorm:"column:password;type:text"` // encrypted
}

type ConnectionGPG struct {
	ID           int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ConnectionID int64  `gorm:"column:connection_id;index;not null"`
	Name         string `gorm:"column:name;type:varchar(120)"`
	PublicKey    string `gorm:"column:public_key;type:text"` // encrypted
}

// TaskLog is the append-only audit record. Nothing is logged only to stdout.
type TaskLog struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID    *int64    `gorm:"column:task_id;index"`
	JobID     *string   `gorm:"column:job_id;type:varchar(40);index"`
	Source    LogSource `gorm:"column:source;type:varchar(20)"`
	Message   string    `gorm:"column:message;type:text"`
	Error     bool      `gorm:"column:error;default:false"`
	CreatedAt time.Time `gorm:"column:status_date;autoCreateTime"`
}

// TaskFile records a produced output artifact on the durable backup store.
type TaskFile struct {
	ID        int64     `gorm:"column:id;primaryKey"`
	TaskID    int64     `gorm:"column:task_id;index;not null"`
	JobID     string    `gorm:"column:job_id;type:varchar(40);index"`
	Name      string    `gorm:"column:name;type:text"`
	Path      string    `gorm:"column:path;type:text"`
	Hash      string    `gorm:"column:file_hash;type:varchar(32)"`
	Size      int64     `gorm:"column:size"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// ProjectParam and TaskParam are ordered key/value pairs; sensitive values are
// stored encrypted and decrypted only at point of use.
type ProjectParam struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	ProjectID int64  `gorm:"column:project_id;index;not null"`
	Key       string `gorm:"column:key;type:varchar(120);not null"`
	Value     string `gorm:"column:value;type:text"`
	Sensitive bool   `gorm:"column:sensitive;default:false"`
}

type TaskParam struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	TaskID    int64  `gorm:"column:task_id;index;not null"`
	Key       string `gorm:"column:key;type:varchar(120);not null"`
	Value     string `gorm:"column:value;type:text"`
	Sensitive bool   `gorm:"column:sensitive;default:false"`
}
