package cli_test

import (
	"path/filepath"
	"testing"
)

func Test_Print_Config_Defaults_When_Invoked(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)
	stdout := c.MustRun("print-config")

	AssertContains(t, stdout, `"cwd": "`+c.Dir+`"`)
	AssertContains(t, stdout, `"cacheDir": "`+filepath.Join(c.Dir, ".nyc_output", ".cache")+`"`)
	AssertContains(t, stdout, "(defaults only)")
}

func Test_Print_Config_From_Nycrc_With_Comments_When_Invoked(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)
	c.WriteFile(".nycrc", `{
		// comment
		"compact": true,
	}`)

	stdout := c.MustRun("print-config")

	AssertContains(t, stdout, `"compact": true`)
	AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".nycrc"))
}

func Test_Print_Config_Explicit_Config_Flag_When_Invoked(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)
	c.WriteFile("ci.yml", "produceSourceMap: true\n")

	stdout := c.MustRun("--config=ci.yml", "print-config")

	AssertContains(t, stdout, `"produceSourceMap": true`)
}

func Test_Print_Config_Warns_About_Unknown_Keys_When_Invoked(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)
	c.WriteFile(".nycrc", `{"reporter": "html"}`)

	stdout, stderr, code := c.Run("print-config")

	if got, want := code, 0; got != want {
		t.Fatalf("exitCode=%d, want=%d", got, want)
	}

	AssertContains(t, stdout, "ignored_key=reporter")
	AssertContains(t, stderr, "warning: unknown config key reporter")
}

func Test_Print_Config_Fails_When_Log_Level_Invalid(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)

	stderr := c.MustFail("--log-level=loud", "print-config")

	AssertContains(t, stderr, "invalid value")
}

func Test_Print_Config_Fails_When_Config_File_Missing(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)

	stderr := c.MustFail("-c", "missing.json", "print-config")

	AssertContains(t, stderr, "config file not found")
}

func Test_Print_Config_Rejects_Arguments(t *testing.T) {
	t.Parallel()

	c := NewCLI(t)

	stderr := c.MustFail("print-config", "extra")

	AssertContains(t, stderr, "too many arguments: extra")
	AssertContains(t, stderr, "Usage: nyc print-config")
}
