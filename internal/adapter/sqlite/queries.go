package sqlite

const jobColumns = `id, user_id, status, problem, steps, voice, cost, correlation_id, video_url, error,
       created_at, started_at, completed_at, updated_at`

const qJobInsert = `--sql f241a74b-c270-4fdf-9a7e-d0cde29b3a56
insert or ignore into jobs (id, user_id, status, problem, steps, voice, cost, correlation_id, created_at, updated_at)
values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

const qJobGet = `--sql 574577d1-c3c8-4974-bae6-fa507c94d319
select ` + jobColumns + `
from jobs
where id = ?;
`

const qJobListByUser = `--sql 2adfb567-fa5e-41e1-8f7f-102019ecabe4
select ` + jobColumns + `
from jobs
where user_id = ?
order by created_at desc, rowid desc
limit ?;
`

const qJobAttachTask = `--sql 2b7e89a0-735d-44cd-b4dd-ba2d2abd4c02
update jobs
set correlation_id = ?, updated_at = ?
where id = ?;
`

// qJobTransition is completed with one placeholder per expected status.
const qJobTransition = `--sql d264d033-ab66-4860-b5e4-bcfc9dac72e6
update jobs
set status       = ?1,
    started_at   = case when ?1 = 'processing' then coalesce(started_at, ?2) else started_at end,
    completed_at = case when ?1 in ('complete', 'failed') then ?2 else completed_at end,
    video_url    = case when ?3 <> '' then ?3 else video_url end,
    error        = case when ?4 <> '' then ?4 else error end,
    updated_at   = ?2
where id = ?5
  and status in (%s);
`

const ledgerEntryColumns = `id, user_id, amount, source, idempotency_key, balance_after, metadata, created_at`

const qLedgerEnsureBalance = `--sql 69acecd6-212c-459b-a77b-b389c2f130f6
insert or ignore into user_balances (user_id, balance) values (?, 0);
`

const qLedgerSelectBalance = `--sql d1db55cc-fda9-4f3f-af82-e204af94262b
select balance from user_balances where user_id = ?;
`

const qLedgerSetBalance = `--sql 4924b9f6-48fa-48c0-8b59-68925f08c40a
update user_balances set balance = ?, updated_at = ? where user_id = ?;
`

const qLedgerFindEntry = `--sql c977d729-7d83-44e3-821e-ae2fe8f0217e
select ` + ledgerEntryColumns + `
from ledger_entries
where user_id = ? and idempotency_key = ?;
`

const qLedgerInsertEntry = `--sql 480241a1-80be-4b3c-8996-e0fd04845ade
insert into ledger_entries (` + ledgerEntryColumns + `)
values (?, ?, ?, ?, ?, ?, ?, ?);
`

const qLedgerEntries = `--sql 01b3d909-3ec9-4f73-ad7d-fd95c000ba1a
select ` + ledgerEntryColumns + `
from ledger_entries
where user_id = ?
order by created_at desc, rowid desc
limit ?;
`

const qLedgerBalance = `--sql 9a0ad557-c55a-43f0-abb7-fa0c3db51da1
select coalesce((select balance from user_balances where user_id = ?1), 0),
       coalesce((select sum(amount) from ledger_holds where user_id = ?1), 0);
`

const qLedgerFindHold = `--sql 2c70024f-68d6-44a6-81b4-6c9eb03ed4a5
select user_id, hold_key, amount, created_at
from ledger_holds
where user_id = ? and hold_key = ?;
`

const qLedgerInsertHold = `--sql 0304d97c-b11e-4df4-90d2-348b3790be29
insert into ledger_holds (user_id, hold_key, amount, created_at) values (?, ?, ?, ?);
`

const qLedgerDeleteHold = `--sql f39c08af-fb07-411a-977e-a894e4f0afa5
delete from ledger_holds where user_id = ? and hold_key = ?;
`

const qLedgerHeldTotal = `--sql 5c2fcc11-a526-4e05-aaef-9104aa128798
select coalesce(sum(amount), 0) from ledger_holds where user_id = ?;
`

const qSubscriptionUpsert = `--sql 18592e26-df3f-4c3b-9314-bf6404abe184
insert into subscriptions (subscription_id, user_id, customer_id, tier, updated_at)
values (?, ?, ?, ?, ?)
on conflict (subscription_id) do update
set user_id = excluded.user_id,
    customer_id = excluded.customer_id,
    tier = excluded.tier,
    updated_at = excluded.updated_at;
`

const qSubscriptionByID = `--sql 935882e6-93dd-45b1-a85f-30b430cafe8b
select subscription_id, user_id, customer_id, tier, updated_at
from subscriptions
where subscription_id = ?;
`

const qSubscriptionDelete = `--sql 1febc181-8807-4872-b3f1-1be45debcd89
delete from subscriptions where subscription_id = ?;
`
