package sandbox

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// The modules below round out the allow-set
// ("regex, collections, functional, typing, hashing, UUID") that
// go.starlark.net does not ship itself (unlike json/math/time, which are
// the library's own lib/json, lib/math, lib/time packages). Each is built
// the same way those upstream modules are: a *starlarkstruct.Module whose
// Members are starlark.Builtin functions.

func regexModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "re",
		Members: starlark.StringDict{
			"match":   starlark.NewBuiltin("re.match", reMatch),
			"findall": starlark.NewBuiltin("re.findall", reFindall),
			"sub":     starlark.NewBuiltin("re.sub", reSub),
		},
	}
}

func reMatch(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs("match", args, kwargs, "pattern", &pattern, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.match: %w", err)
	}
	return starlark.Bool(re.MatchString(s)), nil
}

func reFindall(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, s string
	if err := starlark.UnpackArgs("findall", args, kwargs, "pattern", &pattern, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.findall: %w", err)
	}
	matches := re.FindAllString(s, -1)
	elems := make([]starlark.Value, len(matches))
	for i, m := range matches {
		elems[i] = starlark.String(m)
	}
	return starlark.NewList(elems), nil
}

func reSub(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var pattern, repl, s string
	if err := starlark.UnpackArgs("sub", args, kwargs, "pattern", &pattern, "repl", &repl, "s", &s); err != nil {
		return nil, err
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("re.sub: %w", err)
	}
	return starlark.String(re.ReplaceAllString(s, repl)), nil
}

func collectionsModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "collections",
		Members: starlark.StringDict{
			"counter": starlark.NewBuiltin("collections.counter", collectionsCounter),
		},
	}
}

func collectionsCounter(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var iterable starlark.Iterable
	if err := starlark.UnpackArgs("counter", args, kwargs, "iterable", &iterable); err != nil {
		return nil, err
	}
	counts := map[string]int{}
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		counts[x.String()]++
	}
	d := starlark.NewDict(len(counts))
	for k, v := range counts {
		if err := d.SetKey(starlark.String(k), starlark.MakeInt(v)); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func functionalModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "functional",
		Members: starlark.StringDict{
			"map":    starlark.NewBuiltin("functional.map", functionalMap),
			"filter": starlark.NewBuiltin("functional.filter", functionalFilter),
			"reduce": starlark.NewBuiltin("functional.reduce", functionalReduce),
		},
	}
}

func functionalMap(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	if err := starlark.UnpackArgs("map", args, kwargs, "fn", &fn, "iterable", &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Call(thread, fn, starlark.Tuple{x}, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return starlark.NewList(out), nil
}

func functionalFilter(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	if err := starlark.UnpackArgs("filter", args, kwargs, "fn", &fn, "iterable", &iterable); err != nil {
		return nil, err
	}
	var out []starlark.Value
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		keep, err := starlark.Call(thread, fn, starlark.Tuple{x}, nil)
		if err != nil {
			return nil, err
		}
		if keep.Truth() {
			out = append(out, x)
		}
	}
	return starlark.NewList(out), nil
}

func functionalReduce(thread *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	var iterable starlark.Iterable
	var initial starlark.Value
	if err := starlark.UnpackArgs("reduce", args, kwargs, "fn", &fn, "iterable", &iterable, "initial", &initial); err != nil {
		return nil, err
	}
	acc := initial
	iter := iterable.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		v, err := starlark.Call(thread, fn, starlark.Tuple{acc, x}, nil)
		if err != nil {
			return nil, err
		}
		acc = v
	}
	return acc, nil
}

func typingModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "typing",
		Members: starlark.StringDict{
			"type_of":  starlark.NewBuiltin("typing.type_of", typingTypeOf),
			"is_list":  typingPredicate("list"),
			"is_dict":  typingPredicate("dict"),
			"is_string": typingPredicate("string"),
			"is_int":   typingPredicate("int"),
			"is_float": typingPredicate("float"),
			"is_bool":  typingPredicate("bool"),
			"is_none":  typingPredicate("NoneType"),
		},
	}
}

func typingTypeOf(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackArgs("type_of", args, kwargs, "v", &v); err != nil {
		return nil, err
	}
	return starlark.String(v.Type()), nil
}

func typingPredicate(typeName string) *starlark.Builtin {
	return starlark.NewBuiltin("typing.is_"+typeName, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var v starlark.Value
		if err := starlark.UnpackArgs("is_"+typeName, args, kwargs, "v", &v); err != nil {
			return nil, err
		}
		return starlark.Bool(v.Type() == typeName), nil
	})
}

func hashlibModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "hashlib",
		Members: starlark.StringDict{
			"md5":    hashBuiltin("md5", func(b []byte) []byte { h := md5.Sum(b); return h[:] }),
			"sha1":   hashBuiltin("sha1", func(b []byte) []byte { h := sha1.Sum(b); return h[:] }),
			"sha256": hashBuiltin("sha256", func(b []byte) []byte { h := sha256.Sum256(b); return h[:] }),
		},
	}
}

func hashBuiltin(name string, sum func([]byte) []byte) *starlark.Builtin {
	return starlark.NewBuiltin("hashlib."+name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackArgs(name, args, kwargs, "s", &s); err != nil {
			return nil, err
		}
		return starlark.String(hex.EncodeToString(sum([]byte(s)))), nil
	})
}

func uuidModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "uuid",
		Members: starlark.StringDict{
			"uuid4": starlark.NewBuiltin("uuid.uuid4", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
				return starlark.String(uuid.NewString()), nil
			}),
		},
	}
}
