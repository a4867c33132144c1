// Copyright (C) 2025 Docmap Authors.
// See LICENSE for copying information.

package redisexec

// planScript executes one mutation plan atomically. ARGV[1] is the
// JSON-encoded plan. The script runs two passes: a check pass that performs
// every precondition (idempotency replay, version checks, unique-constraint
// probes, patch target existence) without writing, then an apply pass. A
// check failure returns a structured error reply before any write, so a plan
// either applies completely or not at all.
//
// The reply is always a JSON string: {"ok":true,"replayed":bool,
// "responses":[...]} on success, {"err":{"kind":...}} on a failed check.
const planScript = `
local plan = cjson.decode(ARGV[1])
local USEP = string.char(31)

if plan.idempotency then
  local recorded = redis.call('GET', plan.idempotency.key)
  if recorded then
    return cjson.encode({ok = true, replayed = true, responses = cjson.decode(recorded)})
  end
end

local function arr(value)
  if type(value) == 'table' then return value end
  return {}
end

local function getdoc(key)
  local raw = redis.call('GET', key)
  if not raw then return nil end
  return cjson.decode(raw)
end

local function docversion(doc)
  if doc and type(doc['_meta']) == 'table' then
    local version = tonumber(doc['_meta']['version'])
    if version then return version end
  end
  return 0
end

local function splitpath(path)
  local parts = {}
  for part in string.gmatch(path, '[^%.]+') do parts[#parts + 1] = part end
  return parts
end

local function setpath(doc, path, value)
  local parts = splitpath(path)
  local node = doc
  for i = 1, #parts - 1 do
    if type(node[parts[i]]) ~= 'table' then node[parts[i]] = {} end
    node = node[parts[i]]
  end
  node[parts[#parts]] = value
end

local function getpath(doc, path)
  local parts = splitpath(path)
  local node = doc
  for i = 1, #parts - 1 do
    node = node[parts[i]]
    if type(node) ~= 'table' then return nil end
  end
  return node[parts[#parts]]
end

local function delpath(doc, path)
  local parts = splitpath(path)
  local node = doc
  for i = 1, #parts - 1 do
    node = node[parts[i]]
    if type(node) ~= 'table' then return end
  end
  node[parts[#parts]] = nil
end

local function applyops(doc, ops)
  for _, op in ipairs(ops) do
    if op.kind == 'assign' then
      setpath(doc, op.path, op.value)
    elseif op.kind == 'merge' then
      local current = getpath(doc, op.path)
      if type(current) ~= 'table' then
        current = {}
        setpath(doc, op.path, current)
      end
      if type(op.value) == 'table' then
        for key, value in pairs(op.value) do current[key] = value end
      end
    elseif op.kind == 'delete' then
      delpath(doc, op.path)
    end
  end
end

-- uniquenorm joins the constrained values: explicit values first, the given
-- document as fallback. Returns nil when the constraint does not apply.
local function uniquenorm(check, doc)
  local parts = {}
  for i, field in ipairs(check.fields) do
    local value
    if type(check.values) == 'table' and check.values[field] ~= nil then
      value = check.values[field]
    elseif doc ~= nil then
      value = doc[field]
    end
    if value == nil or type(value) == 'table' then return nil end
    parts[i] = tostring(value)
  end
  local norm = table.concat(parts, USEP)
  if check.ci then norm = string.lower(norm) end
  return norm
end

-- uniquenormstored derives the norm from stored values only, for cleanup of
-- the keys a document held before it changed.
local function uniquenormstored(check, doc)
  if doc == nil then return nil end
  local parts = {}
  for i, field in ipairs(check.fields) do
    local value = doc[field]
    if value == nil or type(value) == 'table' then return nil end
    parts[i] = tostring(value)
  end
  local norm = table.concat(parts, USEP)
  if check.ci then norm = string.lower(norm) end
  return norm
end

local function cleanuniques(doc, checks)
  for _, check in ipairs(arr(checks)) do
    local norm = uniquenormstored(check, doc)
    if norm then redis.call('DEL', check.key_prefix .. norm) end
  end
end

-- branch commands pick their sub-commands once, before any check runs
local function resolvebranches(commands)
  for _, cmd in ipairs(commands) do
    if cmd.kind == 'branch' then
      local branch = cmd.branch
      local exists = redis.call('EXISTS', branch.check_key) == 1
      if not exists then
        branch.chosen = 'created'
        branch.cmds = arr(branch.when_absent)
      elseif branch.return_existing or #arr(branch.when_present) == 0 then
        branch.chosen = 'existing'
        branch.cmds = {}
      else
        branch.chosen = 'updated'
        branch.cmds = branch.when_present
      end
      resolvebranches(branch.cmds)
    end
  end
end

-- claimed tracks unique norms taken by earlier commands of this same plan
local claimed = {}

local function checkunique(check, id, doc)
  local norm = uniquenorm(check, doc)
  if norm == nil then return nil end
  local ukey = check.key_prefix .. norm
  local owner = redis.call('GET', ukey)
  if owner and owner ~= id then
    return {kind = 'unique', constraint = check.name, value = norm}
  end
  if claimed[ukey] and claimed[ukey] ~= id then
    return {kind = 'unique', constraint = check.name, value = norm}
  end
  claimed[ukey] = id
  return nil
end

local checkcommand
checkcommand = function(cmd)
  if cmd.kind == 'upsert' then
    local up = cmd.upsert
    if up.expected_version ~= nil then
      local actual = docversion(getdoc(up.key))
      if actual ~= tonumber(up.expected_version) then
        return {kind = 'version_conflict', key = up.key,
                expected = tonumber(up.expected_version), actual = actual}
      end
    end
    for _, check in ipairs(arr(up.uniques)) do
      local err = checkunique(check, up.entity_id, nil)
      if err then return err end
    end

  elseif cmd.kind == 'patch' then
    local patch = cmd.patch
    local doc = getdoc(patch.key)
    if doc == nil then
      return {kind = 'not_found', key = patch.key}
    end
    if patch.expected_version ~= nil then
      local actual = docversion(doc)
      if actual ~= tonumber(patch.expected_version) then
        return {kind = 'version_conflict', key = patch.key,
                expected = tonumber(patch.expected_version), actual = actual}
      end
    end
    for _, check in ipairs(arr(patch.uniques)) do
      local err = checkunique(check, patch.entity_id, doc)
      if err then return err end
    end

  elseif cmd.kind == 'delete' then
    local del = cmd.delete
    if del.expected_version ~= nil then
      local doc = getdoc(del.key)
      if doc ~= nil then
        local actual = docversion(doc)
        if actual ~= tonumber(del.expected_version) then
          return {kind = 'version_conflict', key = del.key,
                  expected = tonumber(del.expected_version), actual = actual}
        end
      end
    end

  elseif cmd.kind == 'branch' then
    for _, sub in ipairs(cmd.branch.cmds) do
      local err = checkcommand(sub)
      if err then return err end
    end
  end
  return nil
end

local deletedcount = 0

-- deletevictim erases one cascade victim: its document, its unique claims and
-- its own side of the relation index. The victim may still be linked from
-- other entities on the opposite side, so before dropping its set every
-- remaining opposite entry is scrubbed.
local runnodes
local function deletevictim(dockey, id, uniques, nodes, mirrorprefix, oppositeprefix)
  local doc = getdoc(dockey)
  if doc then
    cleanuniques(doc, uniques)
    redis.call('DEL', dockey)
    deletedcount = deletedcount + 1
  end
  if mirrorprefix and mirrorprefix ~= '' then
    local victimset = mirrorprefix .. id
    if oppositeprefix and oppositeprefix ~= '' then
      for _, other in ipairs(redis.call('SMEMBERS', victimset)) do
        redis.call('SREM', oppositeprefix .. other, id)
      end
    end
    redis.call('DEL', victimset)
  end
  runnodes(nodes, id)
end

runnodes = function(nodes, id)
  for _, node in ipairs(arr(nodes)) do
    local setkey = node.set_prefix .. id
    local members = redis.call('SMEMBERS', setkey)
    if node.action == 'delete' then
      for _, member in ipairs(members) do
        deletevictim(node.target_prefix .. member, member,
                     node.target_uniques, node.nested,
                     node.mirror_prefix, node.set_prefix)
      end
    else
      if node.mirror_prefix and node.mirror_prefix ~= '' then
        for _, member in ipairs(members) do
          redis.call('SREM', node.mirror_prefix .. member, id)
        end
      end
    end
    redis.call('DEL', setkey)
  end
end

local applycommand
applycommand = function(cmd)
  if cmd.kind == 'upsert' then
    local up = cmd.upsert
    local old = getdoc(up.key)
    local doc = up.doc
    local version = docversion(old) + 1
    if type(doc['_meta']) ~= 'table' then doc['_meta'] = {} end
    doc['_meta']['version'] = version
    if old then cleanuniques(old, up.uniques) end
    redis.call('SET', up.key, cjson.encode(doc))
    for _, check in ipairs(arr(up.uniques)) do
      local norm = uniquenorm(check, doc)
      if norm then redis.call('SET', check.key_prefix .. norm, up.entity_id) end
    end
    return {entity_id = up.entity_id, version = version, created = (old == nil)}

  elseif cmd.kind == 'patch' then
    local patch = cmd.patch
    local doc = getdoc(patch.key)
    if #arr(patch.ops) == 0 then
      -- precondition-only patch: the check pass already verified the
      -- version, nothing to rewrite
      return {entity_id = patch.entity_id, version = docversion(doc)}
    end
    cleanuniques(doc, patch.uniques)
    applyops(doc, arr(patch.ops))
    local version = docversion(doc) + 1
    if type(doc['_meta']) ~= 'table' then doc['_meta'] = {} end
    doc['_meta']['version'] = version
    redis.call('SET', patch.key, cjson.encode(doc))
    for _, check in ipairs(arr(patch.uniques)) do
      local norm = uniquenorm(check, doc)
      if norm then redis.call('SET', check.key_prefix .. norm, patch.entity_id) end
    end
    return {entity_id = patch.entity_id, version = version}

  elseif cmd.kind == 'delete' then
    local del = cmd.delete
    deletedcount = 0
    local existed = false
    local doc = getdoc(del.key)
    if doc then
      existed = true
      cleanuniques(doc, del.uniques)
      redis.call('DEL', del.key)
      deletedcount = deletedcount + 1
    end
    runnodes(del.cascade, del.entity_id)
    return {entity_id = del.entity_id, existed = existed, deleted = deletedcount}

  elseif cmd.kind == 'relations' then
    local rel = cmd.relations
    local mirrored = rel.mirror_prefix and rel.mirror_prefix ~= ''
    local added, removed = 0, 0
    deletedcount = 0
    for _, member in ipairs(arr(rel.add)) do
      added = added + redis.call('SADD', rel.set_key, member)
      if mirrored then redis.call('SADD', rel.mirror_prefix .. member, rel.left_id) end
    end
    for _, member in ipairs(arr(rel.remove)) do
      removed = removed + redis.call('SREM', rel.set_key, member)
      if mirrored then redis.call('SREM', rel.mirror_prefix .. member, rel.left_id) end
    end
    for _, member in ipairs(arr(rel.delete)) do
      removed = removed + redis.call('SREM', rel.set_key, member)
      if mirrored then redis.call('SREM', rel.mirror_prefix .. member, rel.left_id) end
      if rel.target_prefix and rel.target_prefix ~= '' then
        deletevictim(rel.target_prefix .. member, member,
                     rel.target_uniques, rel.target_cascade,
                     rel.mirror_prefix, rel.set_prefix)
      end
    end
    return {left_id = rel.left_id, added = added, removed = removed, deleted = deletedcount}

  elseif cmd.kind == 'branch' then
    local branch = cmd.branch
    if branch.chosen == 'existing' then
      local raw = redis.call('GET', branch.check_key)
      local response = {branch = 'existing', doc = raw}
      if raw then
        response.version = docversion(cjson.decode(raw))
      end
      return response
    end
    local nested = {}
    for _, sub in ipairs(branch.cmds) do
      nested[#nested + 1] = applycommand(sub)
    end
    return {branch = branch.chosen, responses = nested}
  end
end

resolvebranches(plan.commands)

for _, cmd in ipairs(plan.commands) do
  local err = checkcommand(cmd)
  if err then
    return cjson.encode({err = err})
  end
end

local responses = {}
for _, cmd in ipairs(plan.commands) do
  responses[#responses + 1] = applycommand(cmd)
end

if plan.idempotency then
  redis.call('SET', plan.idempotency.key, cjson.encode(responses), 'PX', plan.idempotency.px)
end

return cjson.encode({ok = true, responses = responses})
`
