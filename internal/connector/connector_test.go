package connector

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"extracthub/internal/model"

	"github.com/stretchr/testify/require"
)

func TestCollisionName(t *testing.T) {
	at := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)
	require.Equal(t, "report_20260901083000.csv", collisionName("report.csv", at))
	require.Equal(t, "archive.tar_20260901083000.gz", collisionName("archive.tar.gz", at))
	require.Equal(t, "noext_20260901083000", collisionName("noext", at))
}

func TestSMBJoin(t *testing.T) {
	require.Equal(t, `reports\daily.csv`, smbJoin("reports", "daily.csv"))
	require.Equal(t, `reports\q1\daily.csv`, smbJoin(`reports\`, "q1/daily.csv"))
	require.Equal(t, "daily.csv", smbJoin("", "daily.csv"))
}

func TestSMBKeySharedAcrossEquivalentConns(t *testing.T) {
	a := &model.ConnectionSMB{ServerName: "Files01", ServerIP: "10.0.0.5", Share: "exports", Username: "svc"}
	b := &model.ConnectionSMB{ServerName: "FILES01", ServerIP: "10.0.0.5", Share: "Exports", Username: "SVC"}
	require.Equal(t, smbKey(a), smbKey(b))

	c := &model.ConnectionSMB{ServerName: "files01", ServerIP: "10.0.0.5", Share: "exports", Username: "other"}
	require.NotEqual(t, smbKey(a), smbKey(c))
}

func TestWriteRecordQuoting(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	writeRecord(w, []string{"id", `va"lue`, "c"}, "|", true)
	require.NoError(t, w.Flush())
	require.Equal(t, "\"id\"|\"va\"\"lue\"|\"c\"\n", buf.String())

	buf.Reset()
	w = bufio.NewWriter(&buf)
	writeRecord(w, []string{"1", "2"}, ",", false)
	require.NoError(t, w.Flush())
	require.Equal(t, "1,2\n", buf.String())
}

func TestFormatValue(t *testing.T) {
	require.Equal(t, "", formatValue(nil))
	require.Equal(t, "abc", formatValue([]byte("abc")))
	require.Equal(t, "42", formatValue(int64(42)))
	require.Equal(t, "3.5", formatValue(3.5))
	require.Equal(t, "true", formatValue(true))
	require.Equal(t, "2026-09-01 08:30:00",
		formatValue(time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)))
}

func TestDriverFor(t *testing.T) {
	d, err := driverFor(model.DBPostgres)
	require.NoError(t, err)
	require.Equal(t, "postgres", d)

	d, err = driverFor(model.DBSQLServer)
	require.NoError(t, err)
	require.Equal(t, "sqlserver", d)

	_, err = driverFor(model.DBJdbc)
	require.Error(t, err)
}
