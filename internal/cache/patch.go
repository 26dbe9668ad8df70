package cache

import "slices"

// SetValue sets field leaf (normalized with FieldName) to value on every
// record whose keypath is keypath. Reports whether any record changed.
func (c *Cache) SetValue(keypath, leaf string, value any) bool {
	field := FieldName(leaf)
	return c.patch(func(e *Entry) bool {
		changed := false
		for i := range e.records {
			if e.records[i].Keypath == keypath {
				e.records[i].Fields[field] = value
				changed = true
			}
		}
		return changed
	})
}

// Create appends a record for the list entry name under keypath to the
// query entry holding that list, unless a record with the child keypath is
// already there. The record carries fields, keys as given, plus "name".
// Reports whether a record was added.
func (c *Cache) Create(keypath, name string, fields map[string]any) bool {
	child := ChildKeypath(keypath, name)
	target := RemoveKeys(child)
	return c.patch(func(e *Entry) bool {
		if e.key != target {
			return false
		}
		if slices.ContainsFunc(e.records, func(r Record) bool { return r.Keypath == child }) {
			return false
		}
		record := Record{Keypath: child, Fields: make(map[string]any, len(fields)+1)}
		record.Fields["name"] = name
		for k, v := range fields {
			record.Fields[k] = v
		}
		e.records = append(e.records, record)
		return true
	})
}

// DeletePath removes every record whose keypath is keypath. Absent records
// are a no-op. Reports whether any record was removed.
func (c *Cache) DeletePath(keypath string) bool {
	return c.patch(func(e *Entry) bool {
		before := len(e.records)
		e.records = slices.DeleteFunc(e.records, func(r Record) bool { return r.Keypath == keypath })
		return len(e.records) != before
	})
}

// patch applies fn to every entry holding a result and runs the change
// hooks for the entries it reports as changed.
func (c *Cache) patch(fn func(*Entry) bool) bool {
	c.mu.Lock()
	var changed []string
	for _, e := range c.entries {
		if !e.hasData {
			continue
		}
		if fn(e) {
			changed = append(changed, e.key)
		}
	}
	hooks := slices.Clone(c.changeHooks)
	c.mu.Unlock()

	slices.Sort(changed)
	for _, key := range changed {
		c.runHooks(hooks, key)
	}
	return len(changed) > 0
}
