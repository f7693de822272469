//go:build !no_automation

package automation

import (
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ErrInvalidScript is returned when Lua code does not compile.
var ErrInvalidScript = errors.New("invalid script")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one scene or rule stored as a .lua file. The first line of the
// file is a Lua comment carrying the metadata as JSON.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// CheckSyntax compiles code without running it.
func CheckSyntax(code string) error {
	chunk, err := parse.Parse(strings.NewReader(code), "<script>")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if _, err := lua.Compile(chunk, "<script>"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return nil
}
