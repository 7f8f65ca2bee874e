// Package seed 加载电影种子数据
package seed

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/user/moviesearch/internal/model"
)

//go:embed movies.json
var defaultMovies []byte

// Record 种子文件中的一条电影，genre 与 genres 均可，同时出现时以 genres 为准
type Record struct {
	Title       string   `json:"title" yaml:"title" validate:"required"`
	Description string   `json:"description" yaml:"description" validate:"required"`
	Genre       []string `json:"genre,omitempty" yaml:"genre,omitempty"`
	Genres      []string `json:"genres,omitempty" yaml:"genres,omitempty" validate:"min=1,dive,required"`
	PosterURL   string   `json:"poster_url,omitempty" yaml:"poster_url,omitempty" validate:"omitempty,url"`
}

// Source 提供待导入的电影记录（不含向量）
type Source interface {
	Load(ctx context.Context) ([]model.Movie, error)
	Name() string
}

var validate = validator.New()

// InvalidRecordsError 校验未通过的记录
type InvalidRecordsError struct {
	Source  string
	Reasons []string
}

func (e *InvalidRecordsError) Error() string {
	return fmt.Sprintf("seed %s: %d invalid record(s): %s", e.Source, len(e.Reasons), strings.Join(e.Reasons, "; "))
}

// normalize 去除首尾空白并合并 genre/genres
func (r Record) normalize() Record {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.PosterURL = strings.TrimSpace(r.PosterURL)
	genres := r.Genres
	if len(genres) == 0 {
		genres = r.Genre
	}
	r.Genres = make([]string, 0, len(genres))
	for _, g := range genres {
		r.Genres = append(r.Genres, strings.TrimSpace(g))
	}
	r.Genre = nil
	return r
}

// Normalize 校验并转换记录，同名记录保留最后一条
func Normalize(source string, records []Record) ([]model.Movie, error) {
	var reasons []string
	index := make(map[string]int, len(records))
	out := make([]model.Movie, 0, len(records))

	for i, raw := range records {
		r := raw.normalize()
		if err := validate.Struct(r); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) {
				for _, fe := range verrs {
					reasons = append(reasons, fmt.Sprintf("record %d (%q): %s failed %s", i, r.Title, fe.Field(), fe.Tag()))
				}
				continue
			}
			return nil, err
		}

		m := model.Movie{
			Title:       r.Title,
			Description: r.Description,
			Genres:      r.Genres,
			PosterURL:   r.PosterURL,
		}
		if j, dup := index[r.Title]; dup {
			log.Printf("[Seed] %s: 标题重复 %q，保留最后一条", source, r.Title)
			out[j] = m
			continue
		}
		index[r.Title] = len(out)
		out = append(out, m)
	}

	if len(reasons) > 0 {
		return nil, &InvalidRecordsError{Source: source, Reasons: reasons}
	}
	return out, nil
}

// Decode 按扩展名解析 JSON 或 YAML 数组
func Decode(name string, data []byte) ([]Record, error) {
	var records []Record
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", name, err)
		}
	default:
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse json %s: %w", name, err)
		}
	}
	return records, nil
}

type embeddedSource struct{}

// Default 内置的 20 部电影
func Default() Source { return embeddedSource{} }

func (embeddedSource) Name() string { return "embedded:movies.json" }

func (s embeddedSource) Load(ctx context.Context) ([]model.Movie, error) {
	records, err := Decode("movies.json", defaultMovies)
	if err != nil {
		return nil, err
	}
	return Normalize(s.Name(), records)
}

// FileSource 从文件或 doublestar 通配符加载，多个文件按字典序拼接
type FileSource struct {
	Pattern string
}

// NewFileSource 创建文件数据源
func NewFileSource(pattern string) *FileSource {
	return &FileSource{Pattern: pattern}
}

func (s *FileSource) Name() string { return s.Pattern }

func (s *FileSource) Load(ctx context.Context) ([]model.Movie, error) {
	paths, err := s.files()
	if err != nil {
		return nil, err
	}

	var all []Record
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		records, err := Decode(p, data)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	log.Printf("[Seed] 从 %d 个文件读取 %d 条记录", len(paths), len(all))
	return Normalize(s.Pattern, all)
}

func (s *FileSource) files() ([]string, error) {
	if !doublestar.ValidatePattern(filepath.ToSlash(s.Pattern)) {
		return nil, fmt.Errorf("invalid seed pattern %q", s.Pattern)
	}
	base, pattern := doublestar.SplitPattern(filepath.ToSlash(s.Pattern))
	matches, err := doublestar.Glob(os.DirFS(base), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", s.Pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("seed pattern %q matched no files", s.Pattern)
	}
	sort.Strings(matches)
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = filepath.Join(base, filepath.FromSlash(m))
	}
	return paths, nil
}

// FromConfig 路径为空时使用内置数据
func FromConfig(path string) Source {
	if path == "" {
		return Default()
	}
	return NewFileSource(path)
}
