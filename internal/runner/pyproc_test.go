package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanImports(t *testing.T) {
	script := `
import os
import pandas
from requests import get
from collections import defaultdict
import pandas.io
x = "import fake"
`
	deps := scanImports(script)
	require.Equal(t, []string{"pandas", "requests"}, deps)
}

func TestScanImportsEmpty(t *testing.T) {
	require.Empty(t, scanImports("print('hello')"))
	require.Empty(t, scanImports("import os\nimport sys"))
}
