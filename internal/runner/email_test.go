package runner

import (
	"strings"
	"testing"
	"time"

	"extracthub/internal/model"
	"extracthub/internal/params"

	"github.com/stretchr/testify/require"
)

func TestSplitRecipients(t *testing.T) {
	require.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"},
		splitRecipients("a@x.com, b@x.com;c@x.com"))
	require.Empty(t, splitRecipients("  ;,  "))
	require.Empty(t, splitRecipients(""))
}

func TestSuccessSubjectDefault(t *testing.T) {
	task := &model.Task{Name: "daily sales"}
	subject, err := successSubject(task, nil, time.Now())
	require.NoError(t, err)
	require.Equal(t, "Extract completed: daily sales", subject)
}

func TestSuccessSubjectTemplate(t *testing.T) {
	task := &model.Task{Name: "t", EmailSuccessSubject: "Sales REGION %m/%d ready"}
	ps := &params.Set{Project: []params.Param{{Key: "REGION", Value: "EMEA"}}}
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	subject, err := successSubject(task, ps, now)
	require.NoError(t, err)
	require.Equal(t, "Sales EMEA 09/01 ready", subject)
}

func TestRenderReportMarksErrorRows(t *testing.T) {
	data := reportData{
		Heading:     "Extract failed",
		ProjectName: "p",
		TaskName:    "t",
		JobID:       "1-2-cron-3",
		Logs: []model.TaskLog{
			{Source: model.LogRunner, Message: "Task started.", CreatedAt: time.Now()},
			{Source: model.LogSFTP, Message: "upload failed", Error: true, CreatedAt: time.Now()},
		},
	}

	var sb strings.Builder
	require.NoError(t, reportTmpl.Execute(&sb, data))

	body := sb.String()
	require.Contains(t, body, "Extract failed")
	require.Contains(t, body, "upload failed")
	require.Contains(t, body, "background-color:#f8d7da")
	require.Contains(t, body, "1-2-cron-3")
	require.NotContains(t, body, "<pre")
}

func TestRenderReportInlinesEmbeddedFile(t *testing.T) {
	data := reportData{
		Heading:      "Extract completed",
		ProjectName:  "p",
		TaskName:     "t",
		JobID:        "1-2-cron-4",
		FileName:     "sales_20260901.csv",
		FileContents: "id,name\n1,alpha\n",
	}

	var sb strings.Builder
	require.NoError(t, reportTmpl.Execute(&sb, data))

	body := sb.String()
	require.Contains(t, body, "sales_20260901.csv")
	require.Contains(t, body, "1,alpha")
	require.Contains(t, body, "<pre")
}
