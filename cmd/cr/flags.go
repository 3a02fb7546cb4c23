package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"cr-go/internal/cr"
	"cr-go/internal/model"
)

func parseFormat(s string) (model.CompressFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "zip":
		return model.FormatZip, nil
	case "tar.gz", "tgz", "gz":
		return model.FormatTarGz, nil
	case "tar.bz2", "tbz", "bz2":
		return model.FormatTarBz, nil
	case "tar.xz", "txz", "xz":
		return model.FormatTarXz, nil
	case "7z":
		return model.Format7z, nil
	case "none", "":
		return model.FormatNone, nil
	}
	return 0, fmt.Errorf("unknown compression format %q", s)
}

func parseRestrict(s string) (model.RestrictPolicy, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return model.RestrictNone, nil
	case "days", "by-days":
		return model.RestrictDays, nil
	case "size", "by-size":
		return model.RestrictSize, nil
	case "both", "by-both":
		return model.RestrictBoth, nil
	}
	return 0, fmt.Errorf("unknown retention policy %q", s)
}

func parseIgnoreMethod(s string) (model.IgnoreMethod, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return model.IgnoreNone, nil
	case "custom":
		return model.IgnoreCustom, nil
	case "vcs", "gitignore":
		return model.IgnoreVCS, nil
	}
	return 0, fmt.Errorf("unknown ignore method %q", s)
}

func parseTrigger(s string) (model.TriggerKind, error) {
	switch strings.ToLower(s) {
	case "cron":
		return model.TriggerCron, nil
	case "monitor", "watch":
		return model.TriggerMonitor, nil
	}
	return 0, fmt.Errorf("unknown trigger %q", s)
}

// parseSize accepts a byte count with an optional K, M or G suffix
// (binary multiples).
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")
	mult := int64(1)
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		}
		if mult > 1 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v * mult, nil
}

// addSpecFlags registers the flags shared by create and update.
func addSpecFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("name", "", "Display name")
	f.String("desc", "", "Description")
	f.String("src", "", "Source file or directory")
	f.String("dst", "", "Destination directory")
	f.String("trigger", "cron", "Trigger kind: cron or monitor")
	f.String("cron", "", "Cron expression: sec min hour dom month dow year")
	f.StringArray("ignore", nil, "Ignore pattern (repeatable)")
	f.String("ignore-method", "custom", "Ignore method: none, custom or vcs")
	f.String("compress", "", "Archive format: zip, tar.gz, tar.bz2, tar.xz (empty copies files)")
	f.String("restrict", "none", "Retention: none, days, size or both")
	f.Int("days", 3, "Days to keep when retention is by days")
	f.String("size", "1024", "Total size to keep when retention is by size, e.g. 512M")
}

// specFromFlags applies the flags the user set on top of base.
func specFromFlags(cmd *cobra.Command, base cr.MissionSpec) (cr.MissionSpec, error) {
	f := cmd.Flags()
	s := base
	var err error

	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	str("name", &s.Name)
	str("desc", &s.Description)
	str("src", &s.SrcPath)
	str("dst", &s.DstPath)
	str("cron", &s.CronExpression)

	if f.Changed("trigger") {
		v, _ := f.GetString("trigger")
		if s.Trigger, err = parseTrigger(v); err != nil {
			return s, err
		}
	}
	if f.Changed("ignore") {
		s.Ignores, _ = f.GetStringArray("ignore")
	}
	if f.Changed("ignore-method") {
		v, _ := f.GetString("ignore-method")
		if s.IgnoreMethod, err = parseIgnoreMethod(v); err != nil {
			return s, err
		}
	}
	if f.Changed("compress") {
		v, _ := f.GetString("compress")
		format, err := parseFormat(v)
		if err != nil {
			return s, err
		}
		s.Compress = format != model.FormatNone
		if s.Compress {
			s.CompressFormat = format
		}
	}
	if f.Changed("restrict") {
		v, _ := f.GetString("restrict")
		if s.Restrict, err = parseRestrict(v); err != nil {
			return s, err
		}
	}
	if f.Changed("days") {
		s.RestrictDays, _ = f.GetInt("days")
	}
	if f.Changed("size") {
		v, _ := f.GetString("size")
		if s.RestrictSize, err = parseSize(v); err != nil {
			return s, err
		}
	}
	return s, nil
}

// specOf turns a stored mission back into an editable spec.
func specOf(snap cr.Snapshot) cr.MissionSpec {
	m, p := snap.Mission, snap.Procedure
	return cr.MissionSpec{
		Name:           m.Name,
		Description:    m.Description,
		SrcPath:        m.SrcPath,
		DstPath:        m.DstPath,
		IgnoreMethod:   p.IgnoreMethod,
		Ignores:        snap.Keywords(),
		Compress:       p.Compress,
		CompressFormat: p.CompressFormat,
		Trigger:        p.Trigger,
		CronExpression: p.CronExpression,
		Restrict:       p.Restrict,
		RestrictDays:   p.RestrictDays,
		RestrictSize:   p.RestrictSize,
	}
}
