// Package notebook models the Jupyter notebook file format, plus the Noteable
// metadata extensions (SQL cells, output collections) carried under the
// "noteable" metadata key.
//
// See https://nbformat.readthedocs.io/en/latest/format_description.html for the
// underlying file format. Source and text fields may arrive as arrays of lines;
// they are normalized to a single newline-joined string on ingest and stay that
// way through every mutation.
package notebook

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// Cell type discriminators.
const (
	CellTypeCode     = "code"
	CellTypeMarkdown = "markdown"
	CellTypeRaw      = "raw"
)

// Output type discriminators.
const (
	OutputTypeStream        = "stream"
	OutputTypeDisplayData   = "display_data"
	OutputTypeExecuteResult = "execute_result"
	OutputTypeError         = "error"
)

// Notebook is the top-level document model. Cell order is the source of truth
// for display order.
type Notebook struct {
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
	Metadata      map[string]interface{} `json:"metadata"`
	Cells         []*Cell                `json:"cells"`
}

// New returns an empty notebook at the current format version.
func New() *Notebook {
	return &Notebook{
		NBFormat:      4,
		NBFormatMinor: 5,
		Metadata:      make(map[string]interface{}),
		Cells:         []*Cell{},
	}
}

// Parse decodes notebook JSON, normalizing multiline source and text fields.
func Parse(data []byte) (*Notebook, error) {
	var nb Notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parsing notebook: %w", err)
	}
	if nb.Metadata == nil {
		nb.Metadata = make(map[string]interface{})
	}
	if nb.Cells == nil {
		nb.Cells = []*Cell{}
	}
	return &nb, nil
}

// Language returns metadata.language_info.name, if present.
func (nb *Notebook) Language() string {
	if info, ok := nb.Metadata["language_info"].(map[string]interface{}); ok {
		if name, ok := info["name"].(string); ok {
			return name
		}
	}
	return ""
}

// LanguageVersion returns metadata.language_info.version, if present.
func (nb *Notebook) LanguageVersion() string {
	if info, ok := nb.Metadata["language_info"].(map[string]interface{}); ok {
		if version, ok := info["version"].(string); ok {
			return version
		}
	}
	return ""
}

// Copy returns a deep copy of the notebook, suitable for seeding a builder
// without aliasing the caller's document.
func (nb *Notebook) Copy() (*Notebook, error) {
	var b, err = json.Marshal(nb)
	if err != nil {
		return nil, fmt.Errorf("copying notebook: %w", err)
	}
	return Parse(b)
}

// Cell is a tagged variant over code, markdown and raw cells. ExecutionCount
// and Outputs are meaningful only when CellType is "code" and are omitted from
// serialization otherwise.
type Cell struct {
	ID       string
	CellType string
	Source   string
	Metadata map[string]interface{}

	ExecutionCount *int
	Outputs        []Output
}

// NewCodeCell returns a code cell with a fresh id.
func NewCodeCell(source string) *Cell {
	return &Cell{
		ID:       uuid.NewString(),
		CellType: CellTypeCode,
		Source:   source,
		Metadata: make(map[string]interface{}),
		Outputs:  []Output{},
	}
}

// NewMarkdownCell returns a markdown cell with a fresh id.
func NewMarkdownCell(source string) *Cell {
	return &Cell{
		ID:       uuid.NewString(),
		CellType: CellTypeMarkdown,
		Source:   source,
		Metadata: make(map[string]interface{}),
	}
}

// MakeSQLCell returns a code cell carrying the Noteable SQL cell metadata.
// A leading %%sql magic line is stripped: that syntax is for plain code cells
// with magic support, while SQL cells hold bare SQL source. If assignResultsTo
// is empty a df_xxxx name is generated.
func MakeSQLCell(source, dbConnection, assignResultsTo string) *Cell {
	if strings.HasPrefix(source, "%%sql") {
		var lines = strings.SplitN(source, "\n", 2)
		if len(lines) == 2 {
			source = lines[1]
		} else {
			source = ""
		}
	}
	if dbConnection == "" {
		dbConnection = "@noteable"
	}
	if assignResultsTo == "" {
		assignResultsTo = "df_" + randomSuffix(4)
	}
	var cell = NewCodeCell(source)
	cell.Metadata = map[string]interface{}{
		"language": "sql",
		"type":     "code",
		"noteable": map[string]interface{}{
			"cell_type":         "sql",
			"db_connection":     dbConnection,
			"assign_results_to": assignResultsTo,
		},
	}
	return cell
}

func randomSuffix(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	var b = make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// IsCode reports whether this is a code cell.
func (c *Cell) IsCode() bool { return c.CellType == CellTypeCode }

// IsSQLCell reports whether metadata.noteable.cell_type is "sql".
func (c *Cell) IsSQLCell() bool {
	if noteable, ok := c.Metadata["noteable"].(map[string]interface{}); ok {
		return noteable["cell_type"] == "sql"
	}
	return false
}

// OutputCollectionID returns metadata.noteable.output_collection_id, or "".
func (c *Cell) OutputCollectionID() string {
	if noteable, ok := c.Metadata["noteable"].(map[string]interface{}); ok {
		if id, ok := noteable["output_collection_id"].(string); ok {
			return id
		}
	}
	return ""
}

type cellJSON struct {
	ID             string                 `json:"id"`
	CellType       string                 `json:"cell_type"`
	Source         multilineString        `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
	Outputs        []Output               `json:"outputs,omitempty"`
}

type codeCellJSON struct {
	ID             string                 `json:"id"`
	CellType       string                 `json:"cell_type"`
	Source         string                 `json:"source"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount *int                   `json:"execution_count"`
	Outputs        []Output               `json:"outputs"`
}

type baseCellJSON struct {
	ID       string                 `json:"id"`
	CellType string                 `json:"cell_type"`
	Source   string                 `json:"source"`
	Metadata map[string]interface{} `json:"metadata"`
}

// UnmarshalJSON decodes a cell, joining list-form source into one string and
// assigning a fresh id if the payload carries none.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var raw cellJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CellType = raw.CellType
	c.Source = string(raw.Source)
	c.Metadata = raw.Metadata
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.ExecutionCount = raw.ExecutionCount
	c.Outputs = raw.Outputs
	if c.CellType == CellTypeCode && c.Outputs == nil {
		c.Outputs = []Output{}
	}
	return nil
}

// MarshalJSON emits the tagged-variant shape: code cells carry execution_count
// and outputs, other cell types omit them.
func (c *Cell) MarshalJSON() ([]byte, error) {
	if c.CellType == CellTypeCode {
		var outputs = c.Outputs
		if outputs == nil {
			outputs = []Output{}
		}
		return json.Marshal(codeCellJSON{
			ID:             c.ID,
			CellType:       c.CellType,
			Source:         c.Source,
			Metadata:       metadataOrEmpty(c.Metadata),
			ExecutionCount: c.ExecutionCount,
			Outputs:        outputs,
		})
	}
	return json.Marshal(baseCellJSON{
		ID:       c.ID,
		CellType: c.CellType,
		Source:   c.Source,
		Metadata: metadataOrEmpty(c.Metadata),
	})
}

func metadataOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// multilineString decodes either a JSON string or an array of line strings,
// joined with newlines.
type multilineString string

func (m *multilineString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multilineString(s)
		return nil
	}
	var lines []string
	if err := json.Unmarshal(data, &lines); err != nil {
		return fmt.Errorf("source must be a string or list of strings: %w", err)
	}
	*m = multilineString(strings.Join(lines, "\n"))
	return nil
}

// Output is a tagged variant over stream, display_data, execute_result and
// error cell outputs. Unrecognized output types round-trip as raw JSON.
type Output struct {
	OutputType string

	// stream
	Name string
	Text string

	// display_data and execute_result
	Data     map[string]interface{}
	Metadata map[string]interface{}

	// execute_result
	ExecutionCount *int

	// error
	EName     string
	EValue    string
	Traceback []string

	raw json.RawMessage
}

type outputJSON struct {
	OutputType     string                 `json:"output_type"`
	Name           string                 `json:"name,omitempty"`
	Text           multilineString        `json:"text,omitempty"`
	Data           map[string]interface{} `json:"data,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	ExecutionCount *int                   `json:"execution_count,omitempty"`
	EName          string                 `json:"ename,omitempty"`
	EValue         string                 `json:"evalue,omitempty"`
	Traceback      []string               `json:"traceback,omitempty"`
}

func (o *Output) UnmarshalJSON(data []byte) error {
	var raw outputJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.OutputType = raw.OutputType
	switch raw.OutputType {
	case OutputTypeStream:
		o.Name = raw.Name
		o.Text = string(raw.Text)
	case OutputTypeDisplayData:
		o.Data = raw.Data
		o.Metadata = raw.Metadata
	case OutputTypeExecuteResult:
		o.Data = raw.Data
		o.Metadata = raw.Metadata
		o.ExecutionCount = raw.ExecutionCount
	case OutputTypeError:
		o.EName = raw.EName
		o.EValue = raw.EValue
		o.Traceback = raw.Traceback
	default:
		o.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (o Output) MarshalJSON() ([]byte, error) {
	switch o.OutputType {
	case OutputTypeStream:
		return json.Marshal(struct {
			OutputType string `json:"output_type"`
			Name       string `json:"name"`
			Text       string `json:"text"`
		}{o.OutputType, o.Name, o.Text})
	case OutputTypeDisplayData:
		return json.Marshal(struct {
			OutputType string                 `json:"output_type"`
			Data       map[string]interface{} `json:"data"`
			Metadata   map[string]interface{} `json:"metadata"`
		}{o.OutputType, metadataOrEmpty(o.Data), metadataOrEmpty(o.Metadata)})
	case OutputTypeExecuteResult:
		return json.Marshal(struct {
			OutputType     string                 `json:"output_type"`
			ExecutionCount *int                   `json:"execution_count"`
			Data           map[string]interface{} `json:"data"`
			Metadata       map[string]interface{} `json:"metadata"`
		}{o.OutputType, o.ExecutionCount, metadataOrEmpty(o.Data), metadataOrEmpty(o.Metadata)})
	case OutputTypeError:
		return json.Marshal(struct {
			OutputType string   `json:"output_type"`
			EName      string   `json:"ename"`
			EValue     string   `json:"evalue"`
			Traceback  []string `json:"traceback"`
		}{o.OutputType, o.EName, o.EValue, o.Traceback})
	default:
		if o.raw != nil {
			return o.raw, nil
		}
		return json.Marshal(struct {
			OutputType string `json:"output_type"`
		}{o.OutputType})
	}
}
