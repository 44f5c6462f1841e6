package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.f110.dev/xerrors"
)

type flagTypes interface {
	bool | string | time.Duration
}

type FlagSet struct {
	flagSet       *pflag.FlagSet
	name          string
	errorHandling pflag.ErrorHandling

	added bool
	flags []flag
}

type flag interface {
	Flag() *pflag.Flag
}

type pflagFlag struct {
	flag *pflag.Flag
}

func (f pflagFlag) Flag() *pflag.Flag {
	return f.flag
}

func NewFlagSet(name string, errorHandling pflag.ErrorHandling) *FlagSet {
	return &FlagSet{flagSet: pflag.NewFlagSet(name, errorHandling), name: name, errorHandling: errorHandling}
}

func (fs *FlagSet) Len() int {
	return len(fs.flags)
}

func (fs *FlagSet) Copy() *FlagSet {
	newFs := pflag.NewFlagSet(fs.name, fs.errorHandling)
	flags := make([]flag, len(fs.flags))
	copy(flags, fs.flags)
	return &FlagSet{flagSet: newFs, name: fs.name, errorHandling: fs.errorHandling, flags: flags}
}

func (fs *FlagSet) Parse(args []string) error {
	if !fs.added {
		for _, v := range fs.flags {
			fs.flagSet.AddFlag(v.Flag())
		}
		fs.added = true
	}

	if err := fs.flagSet.Parse(args); err != nil {
		return xerrors.WithStack(err)
	}

	var missingFlags []string
	for _, flag := range fs.flags {
		if !isRequiredFlag(flag.Flag()) {
			continue
		}

		if !flag.Flag().Changed {
			missingFlags = append(missingFlags, flag.Flag().Name)
		}
	}
	if len(missingFlags) > 0 {
		return xerrors.Newf("required flags %q not set", strings.Join(missingFlags, ", "))
	}

	return nil
}

func (fs *FlagSet) Args() []string {
	return fs.flagSet.Args()
}

func (fs *FlagSet) AddFlagSet(v *FlagSet) {
	for _, f := range v.flags {
		fs.flags = append(fs.flags, f)
	}
}

// AddPFlagSet adds the flags that were defined on pflag.FlagSet directly.
func (fs *FlagSet) AddPFlagSet(v *pflag.FlagSet) {
	v.VisitAll(func(f *pflag.Flag) {
		fs.flags = append(fs.flags, pflagFlag{flag: f})
	})
}

func (fs *FlagSet) Usage() string {
	fs.addFlags()

	return strings.TrimRight(fs.flagSet.FlagUsagesWrapped(80), "\n")
}

func (fs *FlagSet) OnelineUsage(leftPadding, wrap int) string {
	fs.addFlags()

	var flags []string
	for _, v := range fs.flags {
		flag := v.Flag()
		if flag.Hidden {
			continue
		}

		u := fmt.Sprintf("--%s", flag.Name)
		if flag.Shorthand != "" {
			u = "-" + flag.Shorthand + " | " + u
		}
		if !isRequiredFlag(flag) {
			u = fmt.Sprintf("[%s]", u)
		}
		flags = append(flags, u)
	}

	lines := []string{""}
	for _, v := range flags {
		lineLen := len(lines[len(lines)-1])
		if lineLen+len(v) > wrap {
			lines = append(lines, "")
		}
		if len(lines[len(lines)-1]) > 0 {
			lines[len(lines)-1] += " "
		}
		lines[len(lines)-1] += v
	}
	// Add padding
	for i := range lines {
		if i == 0 {
			continue
		}
		lines[i] = strings.Repeat(" ", leftPadding) + lines[i]
	}

	return strings.Join(lines, "\n")
}

func (fs *FlagSet) HasFlags() bool {
	fs.addFlags()
	return fs.flagSet.HasFlags()
}

func (fs *FlagSet) addFlags() {
	if !fs.added {
		for _, v := range fs.flags {
			fs.flagSet.AddFlag(v.Flag())
		}
		fs.added = true
	}
}

func (fs *FlagSet) String(name, usage string) *Flag[string] {
	f := NewFlag(
		name,
		usage,
		func(f *FlagValue[string], in string) error {
			*f.value = in
			return nil
		},
		func(s string) string {
			return s
		},
	)
	fs.flags = append(fs.flags, f)
	return f
}

func (fs *FlagSet) Bool(name, usage string) *Flag[bool] {
	f := NewFlag(
		name,
		usage,
		func(f *FlagValue[bool], in string) error {
			var v bool
			_, err := fmt.Sscanf(in, "%t", &v)
			if err != nil {
				return err
			}
			*f.value = v
			return nil
		},
		func(b bool) string {
			return fmt.Sprintf("%t", b)
		},
	)
	f.flag.NoOptDefVal = "true"
	fs.flags = append(fs.flags, f)
	return f
}

func (fs *FlagSet) Duration(name, usage string) *Flag[time.Duration] {
	f := NewFlag(
		name,
		usage,
		func(f *FlagValue[time.Duration], in string) error {
			v, err := time.ParseDuration(in)
			if err != nil {
				return err
			}
			*f.value = v
			return nil
		},
		func(d time.Duration) string {
			return d.String()
		},
	)
	fs.flags = append(fs.flags, f)
	return f
}

const (
	flagAnnotationKeyRequired = "cmd_flag_required"
)

type Flag[T flagTypes] struct {
	flag         *pflag.Flag
	value        *T
	defaultValue *T
	setValueFunc func(*FlagValue[T], string) error
	toStr        func(T) string
}

func NewFlag[T flagTypes](name, usage string, setValueFunc func(*FlagValue[T], string) error, toStr func(T) string) *Flag[T] {
	v := new(T)
	return &Flag[T]{
		flag: &pflag.Flag{
			Name:     name,
			Usage:    usage,
			Value:    newFlagValue(v, setValueFunc, toStr),
			DefValue: toStr(*v),
		},
		value:        v,
		setValueFunc: setValueFunc,
		toStr:        toStr,
	}
}

// Var binds the flag to p. The default value is written to p if it has been given.
func (f *Flag[T]) Var(p *T) *Flag[T] {
	f.value = p
	f.flag.Value = newFlagValue(p, f.setValueFunc, f.toStr)
	if f.defaultValue != nil {
		*p = *f.defaultValue
	}

	return f
}

func (f *Flag[T]) Shorthand(p string) *Flag[T] {
	f.flag.Shorthand = p
	return f
}

func (f *Flag[T]) Required() *Flag[T] {
	setAnnotationRequired(f.flag)
	return f
}

func (f *Flag[T]) Hidden() *Flag[T] {
	f.flag.Hidden = true
	return f
}

func (f *Flag[T]) Default(defaultValue T) *Flag[T] {
	f.flag.DefValue = f.toStr(defaultValue)
	f.defaultValue = &defaultValue
	*f.value = defaultValue
	return f
}

func (f *Flag[_]) Value() string {
	return f.flag.Value.String()
}

func (f *Flag[_]) Flag() *pflag.Flag {
	return f.flag
}

func setAnnotationRequired(flag *pflag.Flag) {
	if flag.Annotations == nil {
		flag.Annotations = make(map[string][]string)
	}
	if _, ok := flag.Annotations[flagAnnotationKeyRequired]; ok {
		return
	}
	flag.Annotations[flagAnnotationKeyRequired] = []string{"true"}
}

func isRequiredFlag(flag *pflag.Flag) bool {
	if _, ok := flag.Annotations[flagAnnotationKeyRequired]; ok {
		return true
	}

	return false
}

type FlagValue[T flagTypes] struct {
	value   *T
	setFunc func(*FlagValue[T], string) error
	toStr   func(T) string
}

func newFlagValue[T flagTypes](in *T, setValueFunc func(*FlagValue[T], string) error, toStr func(T) string) *FlagValue[T] {
	return &FlagValue[T]{value: in, setFunc: setValueFunc, toStr: toStr}
}

func (f *FlagValue[T]) String() string {
	return f.toStr(*f.value)
}

func (f *FlagValue[T]) Set(val string) error {
	return f.setFunc(f, val)
}

func (f *FlagValue[T]) Type() string {
	var v T
	switch any(v).(type) {
	case bool:
		return "bool"
	case time.Duration:
		return "duration"
	}
	return "string"
}
