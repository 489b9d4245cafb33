package model

// TaskStatus is the lifecycle state stored on the task row.
type TaskStatus string

const (
	StatusStarting  TaskStatus = "starting"
	StatusRunning   TaskStatus = "running"
	StatusErrored   TaskStatus = "errored"
	StatusStopped   TaskStatus = "stopped"
	StatusCompleted TaskStatus = "completed"
)

// LogSource tags a TaskLog row with the subsystem that wrote it. The audit
// timeline of a run is reconstructed from these tags alone.
type LogSource string

const (
	LogScheduler   LogSource = "scheduler"
	LogRunner      LogSource = "runner"
	LogSFTP        LogSource = "sftp"
	LogSMB         LogSource = "smb"
	LogFTP         LogSource = "ftp"
	LogSSH         LogSource = "ssh"
	LogPostgres    LogSource = "postgres"
	LogSQLServer   LogSource = "sqlserver"
	LogFile        LogSource = "file"
	LogEmail       LogSource = "email"
	LogSystem      LogSource = "system"
	LogPyProcessor LogSource = "py-processor"
	LogDateParser  LogSource = "date-parser"
	LogCmdRunner   LogSource = "cmd-runner"
	LogGitWebCode  LogSource = "git-web-code"
)

// SourceKind selects the transport a task pulls its data from.
type SourceKind string

const (
	SourceDatabase SourceKind = "database"
	SourceSMB      SourceKind = "smb"
	SourceSFTP     SourceKind = "sftp"
	SourceFTP      SourceKind = "ftp"
	SourceSSH      SourceKind = "ssh"
)

// QueryOrigin selects where a database query or SSH command text comes from.
type QueryOrigin string

const (
	OriginGit        QueryOrigin = "git"
	OriginURL        QueryOrigin = "url"
	OriginInline     QueryOrigin = "inline"
	OriginRemoteFile QueryOrigin = "remote-file"
)

// ProcessingOrigin selects where a processing script comes from.
type ProcessingOrigin string

const (
	ProcessingNone   ProcessingOrigin = ""
	ProcessingSMB    ProcessingOrigin = "smb"
	ProcessingSFTP   ProcessingOrigin = "sftp"
	ProcessingFTP    ProcessingOrigin = "ftp"
	ProcessingGit    ProcessingOrigin = "git"
	ProcessingURL    ProcessingOrigin = "url"
	ProcessingInline ProcessingOrigin = "inline"
	ProcessingDevops ProcessingOrigin = "devops"
)

// DatabaseKind selects the driver used for a database connection.
type DatabaseKind string

const (
	DBPostgres  DatabaseKind = "postgres"
	DBSQLServer DatabaseKind = "sqlserver"
	DBJdbc      DatabaseKind = "jdbc"
)

// TriggerKind names one of the up to three schedules a project may declare.
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerOneOff   TriggerKind = "oneoff"
)
