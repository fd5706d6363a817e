// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package casim is an in-process Channel Access simulator: a PV database and
// a ca.Library that serves it.
package casim

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/calink/pkg/ca"
	"github.com/Thermoquad/calink/pkg/config"
)

// Alarm severities
const (
	SeverityNone    int16 = 0
	SeverityMinor   int16 = 1
	SeverityMajor   int16 = 2
	SeverityInvalid int16 = 3
)

// Alarm conditions reported in the status field
const (
	StatusNoAlarm int16 = 0
	StatusHiHi    int16 = 3
	StatusHigh    int16 = 4
	StatusLoLo    int16 = 5
	StatusLow     int16 = 6
)

// Database errors
var (
	ErrNoRecord    = errors.New("no such record")
	ErrBadValue    = errors.New("value does not fit record")
	ErrDuplicate   = errors.New("record already defined")
	ErrUnknownType = errors.New("unknown field type")
)

// Limits are the display, alarm and control limits of a numeric record
type Limits struct {
	DisplayHigh float64 `yaml:"hopr"`
	DisplayLow  float64 `yaml:"lopr"`
	AlarmHigh   float64 `yaml:"hihi"`
	WarningHigh float64 `yaml:"high"`
	WarningLow  float64 `yaml:"low"`
	AlarmLow    float64 `yaml:"lolo"`
	ControlHigh float64 `yaml:"drvh"`
	ControlLow  float64 `yaml:"drvl"`
}

// RecordConfig declares one record
type RecordConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Count        uint32   `yaml:"count"`
	Value        any      `yaml:"value"`
	Units        string   `yaml:"egu"`
	Precision    int16    `yaml:"prec"`
	Limits       Limits   `yaml:"limits"`
	EnumStrings  []string `yaml:"enums"`
	Host         string   `yaml:"host"`
	ReadOnly     bool     `yaml:"read_only"`
	Disconnected bool     `yaml:"disconnected"`
}

type databaseFile struct {
	Records []RecordConfig `yaml:"records"`
}

// RecordInfo is the static description of a record
type RecordInfo struct {
	Name      string
	Field     ca.FieldType
	Count     uint32
	Host      string
	Writable  bool
	Connected bool
	EverUp    bool
}

// Change is delivered to database watchers
type Change struct {
	Name      string
	Value     bool
	Connected bool
}

type record struct {
	cfg       RecordConfig
	field     ca.FieldType
	strings   []string
	numbers   []float64
	severity  int16
	status    int16
	stamp     time.Time
	connected bool
	everUp    bool
}

// Database holds the simulated records. It is safe for concurrent use.
type Database struct {
	mu       sync.Mutex
	records  map[string]*record
	watchers map[string]map[int]func(Change)
	nextID   int
	now      func() time.Time
}

// NewDatabase creates an empty database
func NewDatabase() *Database {
	return &Database{
		records:  make(map[string]*record),
		watchers: make(map[string]map[int]func(Change)),
		now:      time.Now,
	}
}

// LoadDatabase reads records from a YAML file. ${VAR} references are
// expanded from the environment first.
func LoadDatabase(path string) (*Database, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read database %q: %w", path, err)
	}
	db, err := ParseDatabase(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// ParseDatabase decodes YAML record declarations
func ParseDatabase(data []byte) (*Database, error) {
	var file databaseFile
	if err := yaml.Unmarshal([]byte(config.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("invalid YAML database: %w", err)
	}

	db := NewDatabase()
	for _, rc := range file.Records {
		if err := db.Add(rc); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// ParseFieldType accepts DBF names with or without the prefix, any case
func ParseFieldType(name string) (ca.FieldType, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "DBF_")
	switch n {
	case "STRING":
		return ca.FieldString, nil
	case "SHORT", "INT":
		return ca.FieldShort, nil
	case "FLOAT":
		return ca.FieldFloat, nil
	case "ENUM":
		return ca.FieldEnum, nil
	case "CHAR":
		return ca.FieldChar, nil
	case "LONG":
		return ca.FieldLong, nil
	case "DOUBLE", "":
		return ca.FieldDouble, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownType, name)
}

// Add defines a record
func (db *Database) Add(rc RecordConfig) error {
	if rc.Name == "" {
		return fmt.Errorf("record without a name")
	}
	field, err := ParseFieldType(rc.Type)
	if err != nil {
		return fmt.Errorf("record %s: %w", rc.Name, err)
	}
	if rc.Count == 0 {
		rc.Count = 1
	}
	if rc.Host == "" {
		rc.Host = "localhost:5064"
	}

	r := &record{cfg: rc, field: field, connected: !rc.Disconnected}
	r.everUp = r.connected
	if field == ca.FieldString {
		r.strings = make([]string, rc.Count)
	} else {
		r.numbers = make([]float64, rc.Count)
	}
	if rc.Value != nil {
		if err := r.assign(rc.Value); err != nil {
			return fmt.Errorf("record %s: %w", rc.Name, err)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.records[rc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, rc.Name)
	}
	r.stamp = db.now()
	r.evaluateAlarm()
	db.records[rc.Name] = r
	return nil
}

// Names returns the record names in sorted order
func (db *Database) Names() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	names := make([]string, 0, len(db.records))
	for n := range db.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Info describes a record
func (db *Database) Info(name string) (RecordInfo, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.records[name]
	if !ok {
		return RecordInfo{}, false
	}
	return RecordInfo{
		Name:      name,
		Field:     r.field,
		Count:     r.cfg.Count,
		Host:      r.cfg.Host,
		Writable:  !r.cfg.ReadOnly,
		Connected: r.connected,
		EverUp:    r.everUp,
	}, true
}

// Put stores value into the record and notifies watchers. value may be a
// scalar, a slice of numbers or strings, or a string to parse.
func (db *Database) Put(name string, value any) error {
	db.mu.Lock()
	r, ok := db.records[name]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	if err := r.assign(value); err != nil {
		db.mu.Unlock()
		return fmt.Errorf("%s: %w", name, err)
	}
	r.stamp = db.now()
	r.evaluateAlarm()
	watchers := db.snapshotWatchers(name)
	db.mu.Unlock()

	for _, fn := range watchers {
		fn(Change{Name: name, Value: true, Connected: true})
	}
	return nil
}

// SetConnected raises or drops the server side of a record
func (db *Database) SetConnected(name string, up bool) error {
	db.mu.Lock()
	r, ok := db.records[name]
	if !ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	if r.connected == up {
		db.mu.Unlock()
		return nil
	}
	r.connected = up
	if up {
		r.everUp = true
	}
	watchers := db.snapshotWatchers(name)
	db.mu.Unlock()

	for _, fn := range watchers {
		fn(Change{Name: name, Connected: up})
	}
	return nil
}

// Get returns the record value converted to request type t. count limits
// the number of elements; 0 means all.
func (db *Database) Get(name string, t ca.RequestType, count uint32) (*ca.Value, ca.Status) {
	db.mu.Lock()
	defer db.mu.Unlock()

	r, ok := db.records[name]
	if !ok {
		return nil, ca.StatusBadChannel
	}
	if !r.connected {
		return nil, ca.StatusDisconnected
	}
	if !t.Valid() {
		return nil, ca.StatusBadType
	}
	if count == 0 || count > r.cfg.Count {
		count = r.cfg.Count
	}

	data, err := r.convert(t.Field(), int(count))
	if err != nil {
		return nil, ca.StatusBadType
	}

	v := &ca.Value{Data: data}
	if t.Family() >= ca.FamilyStatus {
		v.Status = r.status
		v.Severity = r.severity
	}
	if t.Family() == ca.FamilyTime {
		v.Stamp = r.stamp
	}
	if t.Family() >= ca.FamilyGraphic {
		v.Meta = r.metadata(t.Family() == ca.FamilyControl)
	}
	return v, ca.StatusNormal
}

// Watch registers fn for changes of name and returns a cancel function
func (db *Database) Watch(name string, fn func(Change)) func() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.nextID++
	id := db.nextID
	if db.watchers[name] == nil {
		db.watchers[name] = make(map[int]func(Change))
	}
	db.watchers[name][id] = fn

	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.watchers[name], id)
		if len(db.watchers[name]) == 0 {
			delete(db.watchers, name)
		}
	}
}

func (db *Database) snapshotWatchers(name string) []func(Change) {
	out := make([]func(Change), 0, len(db.watchers[name]))
	for _, fn := range db.watchers[name] {
		out = append(out, fn)
	}
	return out
}

func (r *record) assign(value any) error {
	switch v := value.(type) {
	case []any:
		if len(v) > int(r.cfg.Count) {
			return fmt.Errorf("%w: %d elements for count %d", ErrBadValue, len(v), r.cfg.Count)
		}
		for i, e := range v {
			if err := r.assignAt(i, e); err != nil {
				return err
			}
		}
		return nil
	case []float64:
		return assignSlice(r, v)
	case []float32:
		return assignSlice(r, v)
	case []int32:
		return assignSlice(r, v)
	case []int16:
		return assignSlice(r, v)
	case []uint16:
		return assignSlice(r, v)
	case []uint8:
		return assignSlice(r, v)
	case []int:
		return assignSlice(r, v)
	case []string:
		return assignSlice(r, v)
	default:
		return r.assignAt(0, value)
	}
}

func assignSlice[T any](r *record, values []T) error {
	if len(values) > int(r.cfg.Count) {
		return fmt.Errorf("%w: %d elements for count %d", ErrBadValue, len(values), r.cfg.Count)
	}
	for i, e := range values {
		if err := r.assignAt(i, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *record) assignAt(i int, value any) error {
	if r.field == ca.FieldString {
		r.strings[i] = fmt.Sprint(value)
		return nil
	}

	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case int16:
		f = float64(v)
	case uint16:
		f = float64(v)
	case uint8:
		f = float64(v)
	case uint32:
		f = float64(v)
	case bool:
		if v {
			f = 1
		}
	case string:
		parsed, err := r.parseNumber(v)
		if err != nil {
			return err
		}
		f = parsed
	default:
		return fmt.Errorf("%w: %T", ErrBadValue, value)
	}

	if r.field == ca.FieldEnum && len(r.cfg.EnumStrings) > 0 && (f < 0 || int(f) >= len(r.cfg.EnumStrings)) {
		return fmt.Errorf("%w: enum index %v out of range", ErrBadValue, f)
	}
	r.numbers[i] = f
	return nil
}

func (r *record) parseNumber(s string) (float64, error) {
	if r.field == ca.FieldEnum {
		for i, e := range r.cfg.EnumStrings {
			if e == s {
				return float64(i), nil
			}
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadValue, s)
	}
	return f, nil
}

// convert renders the first n elements as the Go type of field f
func (r *record) convert(f ca.FieldType, n int) (any, error) {
	if r.field == ca.FieldString {
		if f == ca.FieldString {
			out := make([]string, n)
			copy(out, r.strings)
			return out, nil
		}
		nums := make([]float64, n)
		for i := 0; i < n; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(r.strings[i]), 64)
			if err != nil {
				return nil, err
			}
			nums[i] = v
		}
		return numbersAs(f, nums), nil
	}

	if f == ca.FieldString {
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = r.format(r.numbers[i])
		}
		return out, nil
	}
	return numbersAs(f, r.numbers[:n]), nil
}

func (r *record) format(v float64) string {
	if r.field == ca.FieldEnum {
		if i := int(v); i >= 0 && i < len(r.cfg.EnumStrings) {
			return r.cfg.EnumStrings[i]
		}
	}
	if r.field == ca.FieldDouble || r.field == ca.FieldFloat {
		return strconv.FormatFloat(v, 'f', int(r.cfg.Precision), 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func numbersAs(f ca.FieldType, nums []float64) any {
	switch f {
	case ca.FieldShort:
		return castSlice[int16](nums)
	case ca.FieldFloat:
		return castSlice[float32](nums)
	case ca.FieldEnum:
		return castSlice[uint16](nums)
	case ca.FieldChar:
		return castSlice[uint8](nums)
	case ca.FieldLong:
		return castSlice[int32](nums)
	default:
		out := make([]float64, len(nums))
		copy(out, nums)
		return out
	}
}

func castSlice[T int16 | float32 | uint16 | uint8 | int32](nums []float64) []T {
	out := make([]T, len(nums))
	for i, v := range nums {
		out[i] = T(v)
	}
	return out
}

func (r *record) metadata(control bool) *ca.Metadata {
	l := r.cfg.Limits
	m := &ca.Metadata{
		Units:        r.cfg.Units,
		Precision:    r.cfg.Precision,
		UpperDisplay: l.DisplayHigh,
		LowerDisplay: l.DisplayLow,
		UpperAlarm:   l.AlarmHigh,
		UpperWarning: l.WarningHigh,
		LowerWarning: l.WarningLow,
		LowerAlarm:   l.AlarmLow,
	}
	if control {
		m.UpperControl = l.ControlHigh
		m.LowerControl = l.ControlLow
	}
	if r.field == ca.FieldEnum {
		m.EnumStrings = append([]string(nil), r.cfg.EnumStrings...)
	}
	return m
}

// evaluateAlarm applies the HIHI/HIGH/LOW/LOLO limits to the first element.
// A limit pair of zeros is treated as unset.
func (r *record) evaluateAlarm() {
	r.severity, r.status = SeverityNone, StatusNoAlarm
	if r.field == ca.FieldString || len(r.numbers) == 0 {
		return
	}
	l := r.cfg.Limits
	v := r.numbers[0]

	switch {
	case l.AlarmHigh != l.AlarmLow && v >= l.AlarmHigh:
		r.severity, r.status = SeverityMajor, StatusHiHi
	case l.AlarmHigh != l.AlarmLow && v <= l.AlarmLow:
		r.severity, r.status = SeverityMajor, StatusLoLo
	case l.WarningHigh != l.WarningLow && v >= l.WarningHigh:
		r.severity, r.status = SeverityMinor, StatusHigh
	case l.WarningHigh != l.WarningLow && v <= l.WarningLow:
		r.severity, r.status = SeverityMinor, StatusLow
	}
}
