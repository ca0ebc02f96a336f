package repl

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/drpcorg/ycrdt"
)

const usage = `new <doc> [client]            create a document
docs                          list documents
insert <doc>/<root> <i> <json>...   insert values into an array
write <doc>/<root> <i> <text>       insert text
delete <doc>/<root> <i> [n]   delete n elements of an array or text
set <doc>/<root> <key> <json> set a map key
unset <doc>/<root> <key>      delete a map key
show <path>                   print a document, root or nested value
ls <path>                     list the children of a path
sv <doc>                      print the state vector
sync <doc> <doc>...           exchange missing state
update <doc> [v2]             print the full state as a hex update
apply <doc> <hex> [v2]        apply a hex update
dump <doc>                    print the decoded state
obfuscate <doc>               print the decoded state without content
snapshot <doc> <name> [root]  save a snapshot, or print a root at it
gc <doc>                      print struct statistics
serve <addr>                  serve documents over http
pull <url> <doc>              fetch missing state from a peer
exit`

var HelpNew = fmt.Errorf("%w: new <doc> [client]", ErrBadArgument)

func (repl *REPL) CommandHelp(_ []string) error {
	repl.printf("%s\n", usage)
	return nil
}

func (repl *REPL) CommandNew(args []string) error {
	if len(args) == 0 || len(args) > 2 || strings.Contains(args[0], "/") {
		return HelpNew
	}
	name := args[0]
	if _, ok := repl.docs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDocExists, name)
	}
	opts := ycrdt.Options{GUID: name, Logger: repl.Log}
	if len(args) == 2 {
		client, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return HelpNew
		}
		opts.ClientID = client
	}
	doc := ycrdt.NewDoc(opts)
	repl.docs[name] = doc
	repl.printf("doc %s client %d\n", name, doc.ClientID())
	return nil
}

func (repl *REPL) CommandDocs(_ []string) error {
	names := make([]string, 0, len(repl.docs))
	for name := range repl.docs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		repl.printf("%s\t%s\n", name, repl.docs[name].StateVector())
	}
	return nil
}

// root resolves doc/root; kind KindAbstract accepts any existing kind.
func (repl *REPL) root(path string, kind ycrdt.TypeKind) (*ycrdt.Doc, *ycrdt.Branch, error) {
	docName, rootName, ok := strings.Cut(path, "/")
	if !ok || rootName == "" || strings.Contains(rootName, "/") {
		return nil, nil, fmt.Errorf("%w: %s", ErrBadPath, path)
	}
	doc, err := repl.doc(docName)
	if err != nil {
		return nil, nil, err
	}
	b, err := doc.Get(rootName, kind)
	if err != nil {
		return nil, nil, err
	}
	return doc, b, nil
}

func (repl *REPL) CommandInsert(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: insert <doc>/<root> <index> <json>...", ErrBadArgument)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	values, err := parseValues(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	doc, arr, err := repl.root(args[0], ycrdt.KindArray)
	if err != nil {
		return err
	}
	return repl.transact(doc, func(tr *ycrdt.Transaction) error {
		return arr.Insert(tr, index, values...)
	})
}

func (repl *REPL) CommandWrite(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: write <doc>/<root> <index> <text>", ErrBadArgument)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	doc, txt, err := repl.root(args[0], ycrdt.KindText)
	if err != nil {
		return err
	}
	return repl.transact(doc, func(tr *ycrdt.Transaction) error {
		return txt.InsertString(tr, index, strings.Join(args[2:], " "))
	})
}

func (repl *REPL) CommandDelete(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: delete <doc>/<root> <index> [length]", ErrBadArgument)
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return err
	}
	length := 1
	if len(args) == 3 {
		if length, err = strconv.Atoi(args[2]); err != nil {
			return err
		}
	}
	doc, b, err := repl.root(args[0], ycrdt.KindAbstract)
	if err != nil {
		return err
	}
	return repl.transact(doc, func(tr *ycrdt.Transaction) error {
		return b.Delete(tr, index, length)
	})
}

func (repl *REPL) CommandSet(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: set <doc>/<root> <key> <json>", ErrBadArgument)
	}
	values, err := parseValues(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	if len(values) != 1 {
		return fmt.Errorf("%w: one value expected", ErrBadArgument)
	}
	doc, m, err := repl.root(args[0], ycrdt.KindMap)
	if err != nil {
		return err
	}
	return repl.transact(doc, func(tr *ycrdt.Transaction) error {
		return m.Set(tr, args[1], values[0])
	})
}

func (repl *REPL) CommandUnset(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: unset <doc>/<root> <key>", ErrBadArgument)
	}
	doc, m, err := repl.root(args[0], ycrdt.KindMap)
	if err != nil {
		return err
	}
	return repl.transact(doc, func(tr *ycrdt.Transaction) error {
		return m.DeleteKey(tr, args[1])
	})
}

func (repl *REPL) transact(doc *ycrdt.Doc, fn func(tr *ycrdt.Transaction) error) (err error) {
	terr := doc.Transact(func(tr *ycrdt.Transaction) {
		err = fn(tr)
	}, "repl")
	if terr != nil {
		return terr
	}
	return err
}

func (repl *REPL) CommandShow(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: show <path>", ErrBadArgument)
	}
	node, err := repl.Walk(args[0])
	if err != nil {
		return err
	}
	repl.printf("%s\n", node.String())
	if dn, ok := node.(*DocNode); ok {
		for _, name := range dn.List() {
			repl.printf("%s\t%s\n", name, dn.Get(name).String())
		}
	}
	return nil
}

func (repl *REPL) CommandList(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: ls <path>", ErrBadArgument)
	}
	node, err := repl.Walk(args[0])
	if err != nil {
		return err
	}
	for _, name := range node.List() {
		repl.printf("%s\n", name)
	}
	return nil
}

func (repl *REPL) CommandSV(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: sv <doc>", ErrBadArgument)
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	repl.printf("%s\n", doc.StateVector())
	if doc.Store().HasPending() {
		repl.printf("pending, missing %s\n", doc.Store().PendingMissing())
	}
	return nil
}

func (repl *REPL) CommandSync(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: sync <doc> <doc>...", ErrBadArgument)
	}
	docs := make([]*ycrdt.Doc, 0, len(args))
	for _, name := range args {
		doc, err := repl.doc(name)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	for _, a := range docs {
		for _, b := range docs {
			if a == b {
				continue
			}
			update := ycrdt.EncodeStateAsUpdate(a, b.StateVector())
			if err := ycrdt.ApplyUpdate(b, update, "sync"); err != nil {
				return err
			}
		}
	}
	return nil
}

func v2Flag(args []string, at int) (bool, error) {
	if len(args) <= at {
		return false, nil
	}
	if args[at] != "v2" {
		return false, fmt.Errorf("%w: %s", ErrBadArgument, args[at])
	}
	return true, nil
}

func (repl *REPL) CommandUpdate(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("%w: update <doc> [v2]", ErrBadArgument)
	}
	v2, err := v2Flag(args, 1)
	if err != nil {
		return err
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	var update []byte
	if v2 {
		update = ycrdt.EncodeStateAsUpdateV2(doc, nil)
	} else {
		update = ycrdt.EncodeStateAsUpdate(doc, nil)
	}
	repl.printf("%s\n", hex.EncodeToString(update))
	return nil
}

func (repl *REPL) CommandApply(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: apply <doc> <hex> [v2]", ErrBadArgument)
	}
	v2, err := v2Flag(args, 2)
	if err != nil {
		return err
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	update, err := hex.DecodeString(args[1])
	if err != nil {
		return err
	}
	if v2 {
		return ycrdt.ApplyUpdateV2(doc, update, "repl")
	}
	return ycrdt.ApplyUpdate(doc, update, "repl")
}

func (repl *REPL) CommandDump(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: dump <doc>", ErrBadArgument)
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	decoded, err := ycrdt.DecodeUpdate(ycrdt.EncodeStateAsUpdate(doc, nil))
	if err != nil {
		return err
	}
	repl.printf("%s", decoded)
	return nil
}

func (repl *REPL) CommandObfuscate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: obfuscate <doc>", ErrBadArgument)
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	obfuscated, err := ycrdt.ObfuscateUpdate(ycrdt.EncodeStateAsUpdate(doc, nil), ycrdt.ObfuscatorOptions{})
	if err != nil {
		return err
	}
	decoded, err := ycrdt.DecodeUpdate(obfuscated)
	if err != nil {
		return err
	}
	repl.printf("%s", decoded)
	return nil
}

func (repl *REPL) CommandSnapshot(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("%w: snapshot <doc> <name> [root]", ErrBadArgument)
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	key := args[0] + "/" + args[1]
	if len(args) == 2 {
		snap := ycrdt.CreateSnapshot(doc)
		repl.snaps[key] = snap
		repl.printf("snapshot %s at %s\n", key, snap.SV)
		return nil
	}
	snap, ok := repl.snaps[key]
	if !ok {
		return fmt.Errorf("%w: no snapshot %s", ErrBadArgument, key)
	}
	_, b, err := repl.root(args[0]+"/"+args[2], ycrdt.KindAbstract)
	if err != nil {
		return err
	}
	values, err := b.ValuesAt(snap)
	if err != nil {
		return err
	}
	if b.InferredKind() == ycrdt.KindText {
		var sb strings.Builder
		for _, v := range values {
			if s, ok := v.(string); ok {
				sb.WriteString(s)
			}
		}
		repl.printf("%s\n", sb.String())
		return nil
	}
	repl.printf("%s\n", marshalValue(values))
	return nil
}

// CommandGC prints per client struct counts; collected content shows
// up as gc and deleted-content structs.
func (repl *REPL) CommandGC(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: gc <doc>", ErrBadArgument)
	}
	doc, err := repl.doc(args[0])
	if err != nil {
		return err
	}
	sv := doc.StateVector()
	for _, client := range sv.Clients() {
		var items, deleted, collected, gcs int
		for _, s := range doc.Store().Structs(client) {
			switch t := s.(type) {
			case *ycrdt.GC:
				gcs++
			case *ycrdt.Item:
				items++
				if t.Deleted() {
					deleted++
				}
				if _, ok := t.Content().(*ycrdt.ContentDeleted); ok {
					collected++
				}
			}
		}
		repl.printf("%d\titems %d deleted %d collected %d gc %d\n", client, items, deleted, collected, gcs)
	}
	return nil
}

// parseValues reads a stream of JSON values; integers stay integers.
func parseValues(text string) ([]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadArgument, err.Error())
		}
		values = append(values, fromJSON(v))
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no values", ErrBadArgument)
	}
	return values, nil
}

func fromJSON(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = fromJSON(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = fromJSON(t[k])
		}
	}
	return v
}
