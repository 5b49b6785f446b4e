package main

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/mr-karan/extentdb/pkg/extent"
	"github.com/mr-karan/extentdb/pkg/sink"
	"github.com/tidwall/redcon"
)

// nullValue sets a nullable field to null in APPEND.
const nullValue = "NULL"

func (app *App) ping(conn redcon.Conn, cmd redcon.Command) {
	conn.WriteString("PONG")
}

func (app *App) quit(conn redcon.Conn, cmd redcon.Command) {
	conn.WriteString("OK")
	conn.Close()
}

func (app *App) types(conn redcon.Conn, cmd redcon.Command) {
	types := app.lib.Types()
	conn.WriteArray(len(types))
	for _, t := range types {
		conn.WriteBulkString(t.Name())
	}
}

// append adds one record: APPEND <type> <field> <value> [<field> <value> ...].
// Fields that are not named are left zero.
func (app *App) append(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) < 2 || len(cmd.Args)%2 != 0 {
		conn.WriteError("ERR wrong number of arguments for '" + string(cmd.Args[0]) + "' command")
		return
	}

	t, ok := app.lib.Lookup(string(cmd.Args[1]))
	if !ok || extent.IsBuiltin(t.Name()) {
		conn.WriteError("ERR unknown extent type " + strconv.Quote(string(cmd.Args[1])))
		return
	}

	// Parse every value before touching the extent so a bad argument
	// never leaves a half filled record behind.
	sets := make([]func(e *extent.Extent, rec int), 0, (len(cmd.Args)-2)/2)
	for i := 2; i < len(cmd.Args); i += 2 {
		set, err := parseValue(t, string(cmd.Args[i]), cmd.Args[i+1])
		if err != nil {
			conn.WriteError(fmt.Sprintf("ERR %s", err))
			return
		}
		sets = append(sets, set)
	}

	app.mu.Lock()
	defer app.mu.Unlock()

	out, ok := app.outputs[t.Name()]
	if !ok {
		out = sink.NewOutput(app.sink, t, app.extentSize)
		app.outputs[t.Name()] = out
	}
	rec, err := out.NewRecord()
	if err != nil {
		app.lo.Error("error submitting extent", "type", t.Name(), "error", err)
		conn.WriteError(fmt.Sprintf("ERR: %s", err))
		return
	}
	for _, set := range sets {
		set(out.Extent(), rec)
	}

	conn.WriteString("OK")
}

func parseValue(t *extent.Type, name string, val []byte) (func(e *extent.Extent, rec int), error) {
	f, err := t.FieldByName(name)
	if err != nil {
		return nil, err
	}
	if f.Nullable && string(val) == nullValue {
		return func(e *extent.Extent, rec int) { f.SetNull(e, rec, true) }, nil
	}

	s := string(val)
	switch f.Kind {
	case extent.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return func(e *extent.Extent, rec int) { f.SetBool(e, rec, v) }, nil
	case extent.Byte:
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return func(e *extent.Extent, rec int) { f.SetByte(e, rec, byte(v)) }, nil
	case extent.Int32:
		v, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return func(e *extent.Extent, rec int) { f.SetInt32(e, rec, int32(v)) }, nil
	case extent.Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return func(e *extent.Extent, rec int) { f.SetInt64(e, rec, v) }, nil
	case extent.Double:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		return func(e *extent.Extent, rec int) { f.SetDouble(e, rec, v) }, nil
	default:
		v := bytes.Clone(val)
		return func(e *extent.Extent, rec int) { f.SetBytes(e, rec, v) }, nil
	}
}

// flush submits every partly filled extent and waits for the sink.
func (app *App) flush(conn redcon.Conn, cmd redcon.Command) {
	if err := app.flushOutputs(); err != nil {
		conn.WriteError(fmt.Sprintf("ERR: %s", err))
		return
	}
	conn.WriteString("OK")
}

// stats writes the totals of the sink followed by those of each type.
func (app *App) stats(conn redcon.Conn, cmd redcon.Command) {
	var buf bytes.Buffer
	app.sink.Stats().WriteText(&buf, "")

	app.mu.Lock()
	for name, out := range app.outputs {
		out.Stats().WriteText(&buf, name)
	}
	app.mu.Unlock()

	conn.WriteBulk(buf.Bytes())
}
