package runner

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"strings"
	"time"

	"extracthub/internal/dateparse"
	"extracthub/internal/model"
	"extracthub/internal/params"
)

var reportTmpl = template.Must(template.New("report").Parse(`
<html>
<body style="font-family: sans-serif;">
<h3>{{.Heading}}</h3>
<p>Project <strong>{{.ProjectName}}</strong>, task <strong>{{.TaskName}}</strong>, run <code>{{.JobID}}</code>.</p>
{{if .DetailURL}}<p><a href="{{.DetailURL}}">Task details</a></p>{{end}}
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Time</th><th>Source</th><th>Message</th></tr>
{{range .Logs}}
<tr{{if .Error}} style="background-color:#f8d7da;"{{end}}>
<td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
<td>{{.Source}}</td>
<td>{{.Message}}</td>
</tr>
{{end}}
</table>
{{if .FileContents}}
<h4>{{.FileName}}</h4>
<pre style="background-color:#f6f8fa; padding:8px;">{{.FileContents}}</pre>
{{end}}
</body>
</html>`))

type reportData struct {
	Heading      string
	ProjectName  string
	TaskName     string
	JobID        string
	DetailURL    string
	Logs         []model.TaskLog
	FileName     string
	FileContents string
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';'
	}) {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

func (r *Runner) renderReport(ctx context.Context, heading string, project *model.Project, task *model.Task, jobID string, embed *artifact) (string, error) {
	logs, err := r.store.RunLogs(ctx, task.ID, jobID)
	if err != nil {
		return "", err
	}

	data := reportData{
		Heading:     heading,
		ProjectName: project.Name,
		TaskName:    task.Name,
		JobID:       jobID,
		Logs:        logs,
	}
	if embed != nil {
		contents, err := os.ReadFile(embed.Path)
		if err != nil {
			return "", fmt.Errorf("embed %s: %w", embed.Name, err)
		}
		data.FileName = embed.Name
		data.FileContents = string(contents)
	}
	if r.cfg.WebHost != "" {
		data.DetailURL = fmt.Sprintf("%s/task/%d", strings.TrimRight(r.cfg.WebHost, "/"), task.ID)
	}

	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// successSubject resolves the configured subject template, evaluating date
// directives and parameters the same way file names are.
func successSubject(task *model.Task, ps *params.Set, now time.Time) (string, error) {
	if task.EmailSuccessSubject == "" {
		return fmt.Sprintf("Extract completed: %s", task.Name), nil
	}
	subject, err := dateparse.EvaluateAt(now, task.EmailSuccessSubject)
	if err != nil {
		return "", fmt.Errorf("email subject %q: %w", task.EmailSuccessSubject, err)
	}
	if ps != nil {
		subject = ps.InsertFileParams(subject)
	}
	return subject, nil
}

// sendCompletionEmail delivers the success report, honoring the attach and
// skip-empty settings.
func (r *Runner) sendCompletionEmail(ctx context.Context, project *model.Project, task *model.Task, jobID string, out *artifact, ps *params.Set) error {
	if task.EmailSkipEmpty && (out == nil || out.Empty) {
		r.store.Log(ctx, &task.ID, &jobID, model.LogEmail, "Completion email skipped, no data produced.", false)
		return nil
	}

	recipients := splitRecipients(task.EmailCompletionRecipients)
	if len(recipients) == 0 {
		return fmt.Errorf("completion email enabled but no recipients configured")
	}

	subject, err := successSubject(task, ps, time.Now())
	if err != nil {
		return err
	}

	// Embed renders the file contents inline in the report; attach ships the
	// file alongside it.
	var embed *artifact
	if task.EmailCompletionEmbed && out != nil {
		embed = out
	}
	body, err := r.renderReport(ctx, "Extract completed", project, task, jobID, embed)
	if err != nil {
		return err
	}

	var attachments []string
	if task.EmailCompletionAttach && out != nil {
		attachments = append(attachments, out.Path)
	}

	if err := r.pool.SendMail(recipients, subject, body, attachments...); err != nil {
		return err
	}
	r.store.Log(ctx, &task.ID, &jobID, model.LogEmail,
		fmt.Sprintf("Completion email sent to %s.", strings.Join(recipients, ", ")), false)
	return nil
}

// sendErrorEmail delivers the failure report. Its own failures are logged but
// never escalate the run further.
func (r *Runner) sendErrorEmail(ctx context.Context, project *model.Project, task *model.Task, jobID string) {
	if !task.EmailError {
		return
	}
	recipients := splitRecipients(task.EmailErrorRecipients)
	if len(recipients) == 0 {
		return
	}

	body, err := r.renderReport(ctx, "Extract failed", project, task, jobID, nil)
	if err != nil {
		r.store.Log(ctx, &task.ID, &jobID, model.LogEmail,
			fmt.Sprintf("Failed to render error email: %v", err), true)
		return
	}

	subject := fmt.Sprintf("Extract failed: %s", task.Name)
	if err := r.pool.SendMail(recipients, subject, body); err != nil {
		r.store.Log(ctx, &task.ID, &jobID, model.LogEmail,
			fmt.Sprintf("Failed to send error email: %v", err), true)
		return
	}
	r.store.Log(ctx, &task.ID, &jobID, model.LogEmail,
		fmt.Sprintf("Error email sent to %s.", strings.Join(recipients, ", ")), false)
}
