package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/Aman-CERP/stellasearch/internal/store"
)

// Request types. Each request is one JSON object on one line, tagged by
// "type".
const (
	TypeSearch        = "search"
	TypeSetMode       = "set_mode"
	TypeGetMode       = "get_mode"
	TypeAddInclude    = "add_include"
	TypeRemoveInclude = "remove_include"
	TypeAddExclude    = "add_exclude"
	TypeRemoveExclude = "remove_exclude"
	TypeGetConfig     = "get_config"
	TypeStatus        = "status"
	TypeReindex       = "reindex"
	TypeReloadConfig  = "reload_config"
)

// Response types.
const (
	TypeSearchResult = "search_result"
	TypeConfig       = "config"
	TypeMode         = "mode"
	TypeOK           = "ok"
	TypeError        = "error"
	// TypeStatus is shared with the request of the same name.
)

// DefaultMaxResults is used when a search request omits max_results.
const DefaultMaxResults = 50

// maxMessageBytes bounds a single request or response line.
const maxMessageBytes = 16 << 20

// Request is a client message. Only the fields of its Type are meaningful.
type Request struct {
	Type string `json:"type"`

	// search
	Query       string   `json:"query,omitempty"`
	MaxResults  *int     `json:"max_results,omitempty"`
	Extensions  []string `json:"extensions,omitempty"`
	Directories []string `json:"directories,omitempty"`

	// set_mode
	Mode string `json:"mode,omitempty"`

	// add_include, remove_include, add_exclude, remove_exclude, reindex
	Path *string `json:"path,omitempty"`
}

// Validate checks that the fields required by the request type are set.
func (r *Request) Validate() error {
	switch r.Type {
	case TypeSearch, TypeGetMode, TypeGetConfig, TypeStatus, TypeReindex, TypeReloadConfig:
		return nil
	case TypeSetMode:
		if r.Mode == "" {
			return fmt.Errorf("mode is required")
		}
		return nil
	case TypeAddInclude, TypeRemoveInclude, TypeAddExclude, TypeRemoveExclude:
		if r.Path == nil || *r.Path == "" {
			return fmt.Errorf("path is required")
		}
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown request type %q", r.Type)
	}
}

// Limit returns max_results or DefaultMaxResults.
func (r *Request) Limit() int {
	if r.MaxResults == nil || *r.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return *r.MaxResults
}

// Extension returns the first requested extension, or "".
func (r *Request) Extension() string {
	if len(r.Extensions) == 0 {
		return ""
	}
	return r.Extensions[0]
}

// PathValue returns the path argument, or "".
func (r *Request) PathValue() string {
	if r.Path == nil {
		return ""
	}
	return *r.Path
}

// SearchResult is the payload of a search_result response.
type SearchResult struct {
	Files       []store.Record `json:"files"`
	TotalFound  int            `json:"total_found"`
	QueryTimeMS int64          `json:"query_time_ms"`
}

// StatusResult is the payload of a status response.
type StatusResult struct {
	SearchBackend     string  `json:"search_backend"`
	IndexedFiles      int64   `json:"indexed_files"`
	IndexedDirs       int64   `json:"indexed_dirs"`
	DatabaseSizeBytes int64   `json:"database_size_bytes"`
	IsScanning        bool    `json:"is_scanning"`
	ScanProgress      float64 `json:"scan_progress"`
	CurrentScanPath   *string `json:"current_scan_path"`
}

// ConfigResult is the payload of a config response.
type ConfigResult struct {
	Mode               string   `json:"mode"`
	IncludePaths       []string `json:"include_paths"`
	ExcludePaths       []string `json:"exclude_paths"`
	ExcludePatterns    []string `json:"exclude_patterns"`
	AutoWatchNewDrives bool     `json:"auto_watch_new_drives"`
	IncludeHidden      bool     `json:"include_hidden"`
}

// Response is a server message. Exactly one payload matches its Type; mode
// and message responses carry a single string.
type Response struct {
	Type    string
	Search  *SearchResult
	Status  *StatusResult
	Config  *ConfigResult
	Mode    string
	Message string
}

// NewSearchResponse creates a search_result response.
func NewSearchResponse(r SearchResult) Response {
	if r.Files == nil {
		r.Files = []store.Record{}
	}
	return Response{Type: TypeSearchResult, Search: &r}
}

// NewStatusResponse creates a status response.
func NewStatusResponse(s StatusResult) Response {
	return Response{Type: TypeStatus, Status: &s}
}

// NewConfigResponse creates a config response.
func NewConfigResponse(c ConfigResult) Response {
	return Response{Type: TypeConfig, Config: &c}
}

// NewModeResponse creates a mode response.
func NewModeResponse(mode string) Response {
	return Response{Type: TypeMode, Mode: mode}
}

// NewOKResponse creates an ok response.
func NewOKResponse(format string, args ...any) Response {
	return Response{Type: TypeOK, Message: fmt.Sprintf(format, args...)}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(format string, args ...any) Response {
	return Response{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

type typeTag struct {
	Type string `json:"type"`
}

type modeBody struct {
	Type string `json:"type"`
	Mode string `json:"mode"`
}

type messageBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MarshalJSON flattens the payload next to the type tag.
func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case TypeSearchResult:
		if r.Search == nil {
			return nil, fmt.Errorf("search_result response without payload")
		}
		return json.Marshal(struct {
			typeTag
			*SearchResult
		}{typeTag{r.Type}, r.Search})
	case TypeStatus:
		if r.Status == nil {
			return nil, fmt.Errorf("status response without payload")
		}
		return json.Marshal(struct {
			typeTag
			*StatusResult
		}{typeTag{r.Type}, r.Status})
	case TypeConfig:
		if r.Config == nil {
			return nil, fmt.Errorf("config response without payload")
		}
		return json.Marshal(struct {
			typeTag
			*ConfigResult
		}{typeTag{r.Type}, r.Config})
	case TypeMode:
		return json.Marshal(modeBody{Type: r.Type, Mode: r.Mode})
	case TypeOK, TypeError:
		return json.Marshal(messageBody{Type: r.Type, Message: r.Message})
	default:
		return nil, fmt.Errorf("unknown response type %q", r.Type)
	}
}

// UnmarshalJSON decodes the payload selected by the type tag.
func (r *Response) UnmarshalJSON(data []byte) error {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}

	*r = Response{Type: tag.Type}
	switch tag.Type {
	case TypeSearchResult:
		r.Search = &SearchResult{}
		return json.Unmarshal(data, r.Search)
	case TypeStatus:
		r.Status = &StatusResult{}
		return json.Unmarshal(data, r.Status)
	case TypeConfig:
		r.Config = &ConfigResult{}
		return json.Unmarshal(data, r.Config)
	case TypeMode:
		var body modeBody
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Mode = body.Mode
		return nil
	case TypeOK, TypeError:
		var body messageBody
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		r.Message = body.Message
		return nil
	default:
		return fmt.Errorf("unknown response type %q", tag.Type)
	}
}
