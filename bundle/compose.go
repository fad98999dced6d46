package bundle

// Compose layers overlays over the receiver and returns the result. Neither
// the receiver nor any overlay is modified. Later bundles win:
//
//   - identity fields (name, version, description, base path) come from the
//     last bundle that sets them
//   - session config is deep-merged per key, nested maps recursively
//   - provider/tool/hook lists merge BY MODULE NAME: an overlay entry for an
//     already-declared module deep-merges its config and replaces its source;
//     new modules append in overlay order
//   - a later non-empty instruction replaces the earlier one
//   - includes concatenate preserving order
//   - agents, registered context, namespace roots and pending context merge
//     with later-wins on key conflict
//
// Composing A, B, C at once equals composing pairwise in order.
func (b *Bundle) Compose(overlays ...*Bundle) *Bundle {
	result := b.Clone()
	for _, overlay := range overlays {
		if overlay == nil {
			continue
		}
		result.merge(overlay)
	}
	return result
}

// merge folds one overlay into the receiver. The overlay is read-only;
// everything taken from it is copied.
func (b *Bundle) merge(o *Bundle) {
	if o.Name != "" {
		b.Name = o.Name
	}
	if o.Version != "" {
		b.Version = o.Version
	}
	if o.Description != "" {
		b.Description = o.Description
	}
	if o.BasePath != "" {
		b.BasePath = o.BasePath
	}
	if o.Instruction != "" {
		b.Instruction = o.Instruction
	}

	b.Includes = append(b.Includes, o.Includes...)
	b.Session = deepMerge(b.Session, o.Session)
	b.Providers = mergeModuleLists(b.Providers, o.Providers)
	b.Tools = mergeModuleLists(b.Tools, o.Tools)
	b.Hooks = mergeModuleLists(b.Hooks, o.Hooks)

	if len(o.Agents) > 0 {
		if b.Agents == nil {
			b.Agents = make(map[string]AgentSpec, len(o.Agents))
		}
		for k, v := range o.Agents {
			b.Agents[k] = cloneAgent(v)
		}
	}
	if len(o.Context) > 0 {
		if b.Context == nil {
			b.Context = make(map[string]string, len(o.Context))
		}
		for k, v := range o.Context {
			b.Context[k] = v
		}
	}
	if len(o.SourceBasePaths) > 0 {
		if b.SourceBasePaths == nil {
			b.SourceBasePaths = make(map[string]string, len(o.SourceBasePaths))
		}
		for k, v := range o.SourceBasePaths {
			b.SourceBasePaths[k] = v
		}
	}
	for ref := range o.pendingContext {
		b.addPendingContext(ref)
	}
}

// mergeModuleLists merges overlay refs into base by module name. Existing
// modules keep their position; their config deep-merges and a non-empty
// overlay source wins. Unknown modules append in overlay order.
func mergeModuleLists(base, overlay []ModuleRef) []ModuleRef {
	if len(overlay) == 0 {
		return base
	}
	merged := cloneRefs(base)
	index := make(map[string]int, len(merged))
	for i, ref := range merged {
		index[ref.Module] = i
	}
	for _, ref := range overlay {
		if i, ok := index[ref.Module]; ok {
			if ref.Source != "" {
				merged[i].Source = ref.Source
			}
			merged[i].Config = deepMerge(merged[i].Config, ref.Config)
			continue
		}
		index[ref.Module] = len(merged)
		merged = append(merged, ModuleRef{Module: ref.Module, Source: ref.Source, Config: deepCopyMap(ref.Config)})
	}
	return merged
}

// deepMerge returns a new map holding base overlaid with src. Nested
// map[string]any values merge recursively; any other value type from src
// replaces the base value. Both inputs stay untouched.
func deepMerge(base, src map[string]any) map[string]any {
	if len(base) == 0 && len(src) == 0 {
		return nil
	}
	out := deepCopyMap(base)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(existing, sub)
				continue
			}
		}
		out[k] = deepCopyValue(v)
	}
	return out
}
