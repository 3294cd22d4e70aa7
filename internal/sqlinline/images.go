package sqlinline

const imageColumns = `id::text, user_id::text, filename, original_filename, file_size, mime_type, width, height,
       original_url, coalesce(thumbnail_url, ''), status, coalesce(tags, '{}'), coalesce(description, ''),
       coalesce(dominant_colors, '{}'), coalesce(error_message, ''), attempts, uploaded_at, updated_at`

const QImageInsert = `--sql bf0ae230-a071-4097-b2ce-98f87908f8d3
insert into images (
    id, user_id, filename, original_filename, file_size, mime_type, width, height,
    original_url, thumbnail_url, status, attempts, uploaded_at, updated_at
)
values ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, nullif($10, ''), $11, $12, now(), now())
returning uploaded_at, updated_at;
`

const QImageGetByID = `--sql 41066e04-c495-406f-a794-4a6ba5080098
select ` + imageColumns + `
from images
where id = $1::uuid;
`

const QImageListByOwner = `--sql 2516c8af-db30-4a8d-904b-efa04518dceb
select ` + imageColumns + `, count(*) over () as total
from images
where user_id = $1::uuid
  and ($2::text = '' or status = $2::text)
order by uploaded_at desc, id
limit $3 offset $4;
`

const QImageSearch = `--sql 447b2d5a-73a8-40a1-a4f2-9c74abea6113
select ` + imageColumns + `, count(*) over () as total
from images
where user_id = $1::uuid
  and ($2::text = '' or description ilike '%' || $2::text || '%' or lower($2::text) = any(tags))
  and ($3::text = '' or $3::text = any(dominant_colors))
  and (cardinality($4::text[]) = 0 or tags && $4::text[])
order by
  case when $5::text = 'original_filename' and $6::text = 'asc' then original_filename end asc,
  case when $5::text = 'original_filename' and $6::text = 'desc' then original_filename end desc,
  case when $5::text = 'file_size' and $6::text = 'asc' then file_size end asc,
  case when $5::text = 'file_size' and $6::text = 'desc' then file_size end desc,
  case when $6::text = 'asc' then uploaded_at end asc,
  uploaded_at desc,
  id
limit $7 offset $8;
`

const QImageListAnalyzed = `--sql 3a619ab3-6de7-4c6c-a8f6-b24917d1131b
select ` + imageColumns + `
from images
where user_id = $1::uuid
  and cardinality(coalesce(tags, '{}')) > 0
  and coalesce(description, '') <> ''
order by uploaded_at desc;
`

// QImageTransition is a compare-and-set on status. No row means the current
// status was not in the expected set, or the image does not exist.
const QImageTransition = `--sql 192f84a5-40f5-4e49-add8-f765480dc994
update images
set status = $3::text,
    attempts = attempts + case when $4::bool then 1 else 0 end,
    error_message = case when $3::text = 'failed' then error_message else null end,
    updated_at = now()
where id = $1::uuid
  and status = any($2::text[])
returning ` + imageColumns + `;
`

// QImageComplete and QImageFail only apply to a processing image, so a late
// analysis result cannot overwrite a job that was reset or already failed.
const QImageComplete = `--sql a7f6b947-1dfa-4094-a8c1-c361f31b54ea
update images
set status = 'completed',
    tags = $2::text[],
    description = $3::text,
    dominant_colors = $4::text[],
    error_message = null,
    updated_at = now()
where id = $1::uuid
  and status = 'processing'
returning ` + imageColumns + `;
`

const QImageFail = `--sql d5374867-513f-4b5e-867d-c89822aedad5
update images
set status = 'failed',
    error_message = $2::text,
    updated_at = now()
where id = $1::uuid
  and status = 'processing'
returning ` + imageColumns + `;
`

const QImageTouch = `--sql 5e2b8c71-0d4a-4f93-b6e8-2a9c7d13f4e6
update images
set updated_at = now()
where id = $1::uuid
  and status = 'processing'
returning ` + imageColumns + `;
`

const QImageDelete = `--sql d0beebed-d33f-43d9-95a0-5d9fbe36080a
delete from images
where id = $1::uuid;
`

const QImageListStale = `--sql 9c3d07ff-e926-443d-bd92-650117e83f87
select ` + imageColumns + `
from images
where status = $1::text
  and updated_at < $2::timestamptz
order by updated_at asc
limit $3;
`
