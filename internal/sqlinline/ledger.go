package sqlinline

const ledgerEntryColumns = `id, user_id, amount, source, idempotency_key, balance_after, metadata, created_at`

const QLedgerEnsureBalance = `--sql 0439adae-b9ce-41af-8477-edb4220940e0
insert into user_balances (user_id)
values ($1)
on conflict (user_id) do nothing;
`

const QLedgerLockBalance = `--sql 4c70d498-7a31-4e41-b6c6-7bf56999832c
select balance
from user_balances
where user_id = $1
for update;
`

const QLedgerSetBalance = `--sql 361f38ba-1bf0-4a65-9102-0d1057e4c87d
update user_balances
set balance = $2, updated_at = now()
where user_id = $1;
`

const QLedgerFindEntry = `--sql 00dd36d4-32ed-4c99-b799-7947bc9e01a4
select ` + ledgerEntryColumns + `
from ledger_entries
where user_id = $1 and idempotency_key = $2;
`

const QLedgerInsertEntry = `--sql 79aa3879-3649-49f2-b583-33ee0283c01f
insert into ledger_entries (` + ledgerEntryColumns + `)
values ($1, $2, $3, $4, $5, $6, $7, $8);
`

const QLedgerEntries = `--sql 15ce4ff8-f9f8-4e27-8672-9b400ecae270
select ` + ledgerEntryColumns + `
from ledger_entries
where user_id = $1
order by created_at desc, id desc
limit $2;
`

const QLedgerBalance = `--sql c840de56-f0f4-46e2-8e4a-22d11a2170a2
select b.balance,
       coalesce((select sum(h.amount) from ledger_holds h where h.user_id = b.user_id), 0)::bigint
from user_balances b
where b.user_id = $1;
`

const QLedgerFindHold = `--sql 4575b3d3-6f3a-4810-80ea-2c8903e3dcd4
select user_id, hold_key, amount, created_at
from ledger_holds
where user_id = $1 and hold_key = $2;
`

const QLedgerInsertHold = `--sql 758477fb-0687-40d7-82a1-f457590c9e01
insert into ledger_holds (user_id, hold_key, amount, created_at)
values ($1, $2, $3, $4);
`

const QLedgerDeleteHold = `--sql 4c70bd79-5707-4a36-ba4c-08be8bf9e09b
delete from ledger_holds
where user_id = $1 and hold_key = $2;
`

const QLedgerHeldTotal = `--sql 9c5fb7ac-3d45-42f7-8b9b-1288a95f0018
select coalesce(sum(amount), 0)::bigint
from ledger_holds
where user_id = $1;
`
