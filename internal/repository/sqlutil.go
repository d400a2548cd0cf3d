package repository

import (
    "database/sql"
    "encoding/json"
    "strings"
    "time"
)

const timeLayout = "2006-01-02 15:04:05"

// DBTime formats t the way every timestamp column is written.
func DBTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
    if n <= 0 {
        return ""
    }
    return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func intArgs(nums []int) []interface{} {
    args := make([]interface{}, len(nums))
    for i, n := range nums {
        args[i] = n
    }
    return args
}

func encodeNumbers(nums []int) string {
    if len(nums) == 0 {
        return "[]"
    }
    b, _ := json.Marshal(nums)
    return string(b)
}

func decodeNumbers(s string) []int {
    out := []int{}
    if s == "" {
        return out
    }
    _ = json.Unmarshal([]byte(s), &out)
    return out
}

func nullString(s string) interface{} {
    if s == "" {
        return nil
    }
    return s
}

func stringPtr(ns sql.NullString) *string {
    if !ns.Valid {
        return nil
    }
    v := ns.String
    return &v
}

func timePtr(nt sql.NullTime) *time.Time {
    if !nt.Valid {
        return nil
    }
    v := nt.Time.UTC()
    return &v
}

func uint64Ptr(ni sql.NullInt64) *uint64 {
    if !ni.Valid {
        return nil
    }
    v := uint64(ni.Int64)
    return &v
}
